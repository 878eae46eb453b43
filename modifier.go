// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrshade

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
)

// runtimeScopeCandidates is the preference order tried when
// AddInternalsVisibleTo must anchor a new TypeRef against a resolution
// scope and no existing TypeRef for the attribute is present.
var runtimeScopeCandidates = []string{
	"System.Runtime",
	"mscorlib",
	"netstandard",
	"System.Private.CoreLib",
}

// internalsVisibleToNamespace/Name name the attribute type new TypeRefs and
// MemberRefs for AddInternalsVisibleTo are built against.
const (
	internalsVisibleToNamespace = "System.Runtime.CompilerServices"
	internalsVisibleToName      = "InternalsVisibleToAttribute"
)

// internalsVisibleToCtorSignature is a single-string-parameter instance
// constructor signature: HASTHIS, ParamCount=1, RetType=VOID, Param=STRING.
var internalsVisibleToCtorSignature = []byte{0x20, 0x01, 0x01, 0x0E}

// Modifier is the high-level entry point: it owns a parsed File and the
// Plan accumulating every requested mutation.
type Modifier struct {
	pe   *File
	plan *Plan
	path string
}

// OpenModifier parses path and returns a Modifier ready to accept mutations.
func OpenModifier(path string, opts *Options) (*Modifier, error) {
	pe, err := Open(path, opts)
	if err != nil {
		return nil, err
	}
	return &Modifier{pe: pe, plan: NewPlan(pe), path: path}, nil
}

// SetAssemblyName renames the assembly.
func (m *Modifier) SetAssemblyName(name string) error {
	return m.plan.SetAssemblyName(name)
}

// SetAssemblyPublicKey sets the Assembly row's public key blob.
func (m *Modifier) SetAssemblyPublicKey(key []byte) error {
	return m.plan.SetAssemblyPublicKey(key)
}

// ClearStrongName zeroes the Assembly row's public key blob index.
func (m *Modifier) ClearStrongName() error {
	return m.plan.ClearStrongName()
}

// RedirectAssemblyRef retargets the AssemblyRef matching sourceName.
func (m *Modifier) RedirectAssemblyRef(sourceName, targetName string, token []byte) (bool, error) {
	return m.plan.RedirectAssemblyRef(sourceName, targetName, token)
}

// MakeTypesInternal clears the Public visibility bit on every public
// TypeDef.
func (m *Modifier) MakeTypesInternal() error {
	return m.plan.MakeTypesInternal()
}

// AddInternalsVisibleTo synthesizes a CustomAttribute row anchoring
// System.Runtime.CompilerServices.InternalsVisibleToAttribute..ctor(string)
// against assemblyName (and publicKey, if non-nil).
func (m *Modifier) AddInternalsVisibleTo(assemblyName string, publicKey []byte) error {
	typeRefRid, err := m.findOrAddInternalsVisibleToTypeRef()
	if err != nil {
		return err
	}

	ctorRid, err := m.findOrAddCtorMemberRef(typeRefRid)
	if err != nil {
		return err
	}

	text := assemblyName
	if publicKey != nil {
		text = assemblyName + ", PublicKey=" + strings.ToUpper(hex.EncodeToString(publicKey))
	}
	value := encodeInternalsVisibleToValue(text)

	m.plan.AddCustomAttribute(CustomAttributeRow{
		Parent: CodedToken{Table: Assembly, Rid: 1},
		Type:   CodedToken{Table: MemberRef, Rid: ctorRid},
		Value:  m.plan.GetOrAddBlob(value),
	})
	return nil
}

func encodeInternalsVisibleToValue(text string) []byte {
	var out []byte
	out = append(out, 0x01, 0x00) // prolog
	n := uint32(len(text))
	switch {
	case n < 0x80:
		out = append(out, byte(n))
	case n < 0x4000:
		out = append(out, byte(n>>8)|0x80, byte(n))
	default:
		out = append(out, byte(n>>24)|0xC0, byte(n>>16), byte(n>>8), byte(n))
	}
	out = append(out, []byte(text)...)
	out = append(out, 0x00, 0x00) // no named args
	return out
}

func (m *Modifier) findOrAddInternalsVisibleToTypeRef() (uint32, error) {
	rid, err := m.pe.FindTypeRef(internalsVisibleToNamespace, internalsVisibleToName)
	if err != nil {
		return 0, err
	}
	if rid != 0 {
		return rid, nil
	}

	scopeRid, err := m.findRuntimeResolutionScope()
	if err != nil {
		return 0, err
	}

	nameIdx := m.plan.GetOrAddString(internalsVisibleToName)
	nsIdx := m.plan.GetOrAddString(internalsVisibleToNamespace)
	rid = m.plan.AddTypeRef(TypeRefRow{
		ResolutionScope: CodedToken{Table: AssemblyRef, Rid: scopeRid},
		Name:            nameIdx,
		Namespace:       nsIdx,
	})
	return rid, nil
}

func (m *Modifier) findRuntimeResolutionScope() (uint32, error) {
	for _, name := range runtimeScopeCandidates {
		rid, err := m.pe.FindAssemblyRef(name)
		if err != nil {
			return 0, err
		}
		if rid != 0 {
			return rid, nil
		}
	}
	return 0, ErrMissingRuntimeRef
}

func (m *Modifier) findOrAddCtorMemberRef(typeRefRid uint32) (uint32, error) {
	class := CodedToken{Table: TypeRef, Rid: typeRefRid}
	rid, err := m.pe.FindMemberRef(class, ".ctor")
	if err != nil {
		return 0, err
	}
	if rid != 0 {
		return rid, nil
	}

	rid = m.plan.AddMemberRef(MemberRefRow{
		Class:     class,
		Name:      m.plan.GetOrAddString(".ctor"),
		Signature: m.plan.GetOrAddBlob(internalsVisibleToCtorSignature),
	})
	return rid, nil
}

// Save applies every recorded mutation and writes the result to path,
// signing with key if one is supplied.
func (m *Modifier) Save(path string, key *KeyPair) error {
	writer := NewWriter(m.pe, m.plan)
	out, err := writer.Render()
	if err != nil {
		return err
	}

	if key != nil {
		if _, err := SignImage(m.pe, out, key); err != nil {
			return err
		}
	}

	samePath := path == m.path
	if samePath {
		if err := m.pe.Close(); err != nil {
			return err
		}
	}

	if err := writeFileAtomic(path, out); err != nil {
		return err
	}

	return copyPDBIfPresent(m.path, path)
}

// Close releases the Modifier's underlying file handle.
func (m *Modifier) Close() error { return m.pe.Close() }

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// copyPDBIfPresent copies the .pdb alongside sourcePath to alongside
// targetPath, unmodified, since method tokens survive every write
// strategy this module implements.
func copyPDBIfPresent(sourcePath, targetPath string) error {
	pdbPath := strings.TrimSuffix(sourcePath, filepath.Ext(sourcePath)) + ".pdb"
	data, err := os.ReadFile(pdbPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	targetPDB := strings.TrimSuffix(targetPath, filepath.Ext(targetPath)) + ".pdb"
	return os.WriteFile(targetPDB, data, 0o644)
}
