// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrshade

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildManagedPE hand-assembles a minimal PE32 image carrying a single
// ".text" section and an ECMA-335 metadata blob: one Module row, a TypeRef
// to System.Object (scoped via an AssemblyRef to mscorlib), two TypeDef rows
// (the mandatory <Module> pseudo-type and a public MyClass extending
// Object), a MemberRef to Object's .ctor, and an Assembly/AssemblyRef pair
// identifying TestAssembly and mscorlib.
func buildManagedPE(t *testing.T) []byte {
	t.Helper()

	order := []string{"", "<Module>", "System", "Object", "MyClass", ".ctor", "TestAssembly", "mscorlib"}
	var stringsHeap bytes.Buffer
	strIdx := map[string]uint32{}
	for _, s := range order {
		if _, ok := strIdx[s]; ok {
			continue
		}
		strIdx[s] = uint32(stringsHeap.Len())
		stringsHeap.WriteString(s)
		stringsHeap.WriteByte(0)
	}

	var blobHeap bytes.Buffer
	blobHeap.WriteByte(0) // index 0: the empty blob
	ctorSigIdx := uint32(blobHeap.Len())
	blobHeap.Write([]byte{0x03, 0x20, 0x00, 0x01}) // HASTHIS, 0 params, VOID
	asmTokenIdx := uint32(blobHeap.Len())
	blobHeap.Write([]byte{0x08, 1, 2, 3, 4, 5, 6, 7, 8})
	refTokenIdx := uint32(blobHeap.Len())
	blobHeap.Write([]byte{0x08, 8, 7, 6, 5, 4, 3, 2, 1})
	for blobHeap.Len()%4 != 0 {
		blobHeap.WriteByte(0)
	}

	u16 := func(b *bytes.Buffer, v uint16) {
		var x [2]byte
		binary.LittleEndian.PutUint16(x[:], v)
		b.Write(x[:])
	}
	u32 := func(b *bytes.Buffer, v uint32) {
		var x [4]byte
		binary.LittleEndian.PutUint32(x[:], v)
		b.Write(x[:])
	}

	var moduleRow, typeRefRow, typeDef1, typeDef2, memberRefRow, assemblyRow, assemblyRefRow bytes.Buffer

	u16(&moduleRow, 0)
	u16(&moduleRow, uint16(strIdx["<Module>"]))
	u16(&moduleRow, 0)
	u16(&moduleRow, 0)
	u16(&moduleRow, 0)

	u16(&typeRefRow, uint16((1<<2)|2)) // ResolutionScope: AssemblyRef rid 1, tag 2
	u16(&typeRefRow, uint16(strIdx["Object"]))
	u16(&typeRefRow, uint16(strIdx["System"]))

	u32(&typeDef1, 0)
	u16(&typeDef1, uint16(strIdx["<Module>"]))
	u16(&typeDef1, uint16(strIdx[""]))
	u16(&typeDef1, 0) // Extends: null token
	u16(&typeDef1, 1) // FieldList
	u16(&typeDef1, 1) // MethodList

	u32(&typeDef2, 0x00000001) // Public
	u16(&typeDef2, uint16(strIdx["MyClass"]))
	u16(&typeDef2, uint16(strIdx[""]))
	u16(&typeDef2, uint16((1<<2)|1)) // Extends: TypeRef rid 1, tag 1
	u16(&typeDef2, 1)
	u16(&typeDef2, 1)

	u16(&memberRefRow, uint16((1<<3)|1)) // Class: TypeRef rid 1, tag 1
	u16(&memberRefRow, uint16(strIdx[".ctor"]))
	u16(&memberRefRow, uint16(ctorSigIdx))

	u32(&assemblyRow, 0x00008004) // SHA1
	u16(&assemblyRow, 1)
	u16(&assemblyRow, 0)
	u16(&assemblyRow, 0)
	u16(&assemblyRow, 0)
	u32(&assemblyRow, 0)
	u16(&assemblyRow, uint16(asmTokenIdx))
	u16(&assemblyRow, uint16(strIdx["TestAssembly"]))
	u16(&assemblyRow, uint16(strIdx[""]))

	u16(&assemblyRefRow, 4)
	u16(&assemblyRefRow, 0)
	u16(&assemblyRefRow, 0)
	u16(&assemblyRefRow, 0)
	u32(&assemblyRefRow, 0)
	u16(&assemblyRefRow, uint16(refTokenIdx))
	u16(&assemblyRefRow, uint16(strIdx["mscorlib"]))
	u16(&assemblyRefRow, uint16(strIdx[""]))
	u16(&assemblyRefRow, uint16(strIdx[""]))

	var tableHeap bytes.Buffer
	var hdr [24]byte
	hdr[4] = 2 // major version
	validMask := uint64(1)<<Module | uint64(1)<<TypeRef | uint64(1)<<TypeDef |
		uint64(1)<<MemberRef | uint64(1)<<Assembly | uint64(1)<<AssemblyRef
	binary.LittleEndian.PutUint64(hdr[8:], validMask)
	tableHeap.Write(hdr[:])

	rowCounts := []struct {
		table int
		count uint32
	}{
		{Module, 1}, {TypeRef, 1}, {TypeDef, 2}, {MemberRef, 1}, {Assembly, 1}, {AssemblyRef, 1},
	}
	for _, rc := range rowCounts {
		u32(&tableHeap, rc.count)
	}
	tableHeap.Write(moduleRow.Bytes())
	tableHeap.Write(typeRefRow.Bytes())
	tableHeap.Write(typeDef1.Bytes())
	tableHeap.Write(typeDef2.Bytes())
	tableHeap.Write(memberRefRow.Bytes())
	tableHeap.Write(assemblyRow.Bytes())
	tableHeap.Write(assemblyRefRow.Bytes())

	streams := []struct {
		name    string
		content []byte
	}{
		{"#~", tableHeap.Bytes()},
		{"#Strings", stringsHeap.Bytes()},
		{"#Blob", blobHeap.Bytes()},
	}

	type dirEntry struct{ nameBytes []byte }
	var dirEntries []dirEntry
	dirLen := 0
	for _, s := range streams {
		nameBytes := append([]byte(s.name), 0)
		for len(nameBytes)%4 != 0 {
			nameBytes = append(nameBytes, 0)
		}
		dirEntries = append(dirEntries, dirEntry{nameBytes: nameBytes})
		dirLen += 8 + len(nameBytes)
	}

	var root bytes.Buffer
	version := "v4.0.30319"
	verLen := alignUp(uint32(len(version))+1, 4)
	u32(&root, MetadataBlobMagic)
	u16(&root, 1)
	u16(&root, 1)
	u32(&root, 0)
	u32(&root, verLen)
	root.WriteString(version)
	root.Write(make([]byte, int(verLen)-len(version)))
	root.WriteByte(0) // flags
	root.WriteByte(0) // reserved
	u16(&root, uint16(len(streams)))

	headerLen := root.Len() + dirLen
	relOffset := uint32(headerLen)
	var dir, contents bytes.Buffer
	for i, s := range streams {
		u32(&dir, relOffset)
		u32(&dir, uint32(len(s.content)))
		dir.Write(dirEntries[i].nameBytes)
		contents.Write(s.content)
		relOffset += uint32(len(s.content))
	}

	var metadata bytes.Buffer
	metadata.Write(root.Bytes())
	metadata.Write(dir.Bytes())
	metadata.Write(contents.Bytes())

	const cliHeaderSize = 72
	const cliRVA = 0x2000
	metadataRVA := uint32(cliRVA + cliHeaderSize)

	var cli bytes.Buffer
	u32(&cli, cliHeaderSize)
	u16(&cli, 2)
	u16(&cli, 5)
	u32(&cli, metadataRVA)
	u32(&cli, uint32(metadata.Len()))
	u32(&cli, 1) // Flags: ILONLY
	u32(&cli, 0) // EntryPointRVAorToken
	for i := 0; i < 6; i++ {
		u32(&cli, 0)
		u32(&cli, 0)
	}

	sectionContent := append(append([]byte{}, cli.Bytes()...), metadata.Bytes()...)

	const fileAlignment = 0x200
	const sectionAlignment = 0x1000
	const peHeaderOffset = 0x40
	const optHeaderSize = 224
	const sectionHeaderOffset = peHeaderOffset + 4 + 20 + optHeaderSize
	const sectionRawOffset = fileAlignment

	fileSize := sectionRawOffset + len(sectionContent)
	buf := make([]byte, fileSize)

	binary.LittleEndian.PutUint16(buf[0:], ImageDOSSignature)
	binary.LittleEndian.PutUint32(buf[0x3C:], peHeaderOffset)

	binary.LittleEndian.PutUint32(buf[peHeaderOffset:], ImageNTSignature)
	fh := peHeaderOffset + 4
	binary.LittleEndian.PutUint16(buf[fh:], 0x014c) // IMAGE_FILE_MACHINE_I386
	binary.LittleEndian.PutUint16(buf[fh+2:], 1)    // NumberOfSections
	binary.LittleEndian.PutUint16(buf[fh+16:], optHeaderSize)
	binary.LittleEndian.PutUint16(buf[fh+18:], ImageFileDLL)

	oh := fh + 20
	binary.LittleEndian.PutUint16(buf[oh:], ImageNtOptionalHeader32Magic)
	binary.LittleEndian.PutUint32(buf[oh+28:], 0x00400000) // ImageBase
	binary.LittleEndian.PutUint32(buf[oh+32:], sectionAlignment)
	binary.LittleEndian.PutUint32(buf[oh+36:], fileAlignment)
	binary.LittleEndian.PutUint32(buf[oh+56:], alignUp(cliRVA+uint32(len(sectionContent)), sectionAlignment))
	binary.LittleEndian.PutUint32(buf[oh+60:], fileAlignment) // SizeOfHeaders
	binary.LittleEndian.PutUint32(buf[oh+92:], 16)            // NumberOfRvaAndSizes
	dataDirOffset := oh + 96
	clrDirOffset := dataDirOffset + uint32(ImageDirectoryEntryCLR)*8
	binary.LittleEndian.PutUint32(buf[clrDirOffset:], cliRVA)
	binary.LittleEndian.PutUint32(buf[clrDirOffset+4:], cliHeaderSize)

	sh := uint32(sectionHeaderOffset)
	copy(buf[sh:sh+8], []byte(".text\x00\x00\x00"))
	binary.LittleEndian.PutUint32(buf[sh+8:], uint32(len(sectionContent)))  // VirtualSize
	binary.LittleEndian.PutUint32(buf[sh+12:], cliRVA)                      // VirtualAddress
	binary.LittleEndian.PutUint32(buf[sh+16:], uint32(len(sectionContent))) // SizeOfRawData
	binary.LittleEndian.PutUint32(buf[sh+20:], sectionRawOffset)            // PointerToRawData
	binary.LittleEndian.PutUint32(buf[sh+36:], 0x60000020)                  // CNT_CODE|EXECUTE|READ

	copy(buf[sectionRawOffset:], sectionContent)

	return buf
}

func openFixture(t *testing.T) *File {
	t.Helper()
	pe, err := OpenBytes(buildManagedPE(t), &Options{})
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	t.Cleanup(func() { pe.Close() })
	return pe
}
