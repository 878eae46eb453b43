// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/binshade/clrshade"
	"github.com/spf13/cobra"
)

var (
	wantDOSHeader bool
	wantNTHeader  bool
	wantSections  bool
	wantCLR       bool
	wantStrings   bool
	wantAll       bool
)

func prettyPrint(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal error: %s>", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "\t"); err != nil {
		return string(raw)
	}
	return buf.String()
}

func isDirectory(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func dumpOne(filename string) {
	pe, err := clrshade.Open(filename, &clrshade.Options{})
	if err != nil {
		log.Printf("%s: %s", filename, err)
		return
	}
	defer pe.Close()

	if wantDOSHeader || wantAll {
		fmt.Println(prettyPrint(pe.DOSHeader))
	}
	if wantNTHeader || wantAll {
		fmt.Println(prettyPrint(pe.NtHeader))
	}
	if wantSections || wantAll {
		fmt.Println(prettyPrint(pe.Sections))
	}
	if wantCLR || wantAll {
		fmt.Println(prettyPrint(pe.CLR))
		if mod, err := pe.ReadModuleRow(); err == nil {
			if name, err := pe.ReadString(mod.Name); err == nil {
				log.Printf("%s: module name %q", filename, name)
			}
		}
	}
	if wantStrings || wantAll {
		assembly, err := pe.ReadAssemblyRow()
		if err != nil {
			log.Printf("%s: no Assembly row: %s", filename, err)
			return
		}
		name, _ := pe.ReadString(assembly.Name)
		log.Printf("%s: assembly %q v%d.%d.%d.%d", filename, name,
			assembly.MajorVersion, assembly.MinorVersion,
			assembly.BuildNumber, assembly.RevisionNumber)
	}
}

func dump(cmd *cobra.Command, args []string) {
	path := args[0]
	if !isDirectory(path) {
		dumpOne(path)
		return
	}

	var files []string
	filepath.Walk(path, func(p string, f os.FileInfo, err error) error {
		if err == nil && !f.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	for _, f := range files {
		dumpOne(f)
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "clrshade-dump",
		Short: "Read-only diagnostic dumper for managed PE images",
		Long:  "Inspects headers, sections, and ECMA-335 metadata of a managed PE image without modifying it",
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("clrshade-dump 0.1.0")
		},
	}

	dumpCmd := &cobra.Command{
		Use:   "dump <file-or-dir>",
		Short: "Dump headers and CLI metadata",
		Args:  cobra.ExactArgs(1),
		Run:   dump,
	}
	dumpCmd.Flags().BoolVar(&wantDOSHeader, "dosheader", false, "dump the DOS header")
	dumpCmd.Flags().BoolVar(&wantNTHeader, "ntheader", false, "dump the NT header")
	dumpCmd.Flags().BoolVar(&wantSections, "sections", false, "dump section headers")
	dumpCmd.Flags().BoolVar(&wantCLR, "clr", false, "dump the CLI header and metadata stream directory")
	dumpCmd.Flags().BoolVar(&wantStrings, "assembly", false, "print the assembly identity")
	dumpCmd.Flags().BoolVar(&wantAll, "all", false, "dump everything")

	rootCmd.AddCommand(versionCmd, dumpCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
