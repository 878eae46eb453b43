// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrshade

// References: ECMA-335 Partition II, §II.22-24; https://www.ntcore.com/files/dotnetformat.htm

// ECMA-335 metadata table numbers.
const (
	Module                  = 0x00
	TypeRef                 = 0x01
	TypeDef                 = 0x02
	FieldPtr                = 0x03
	Field                   = 0x04
	MethodPtr               = 0x05
	MethodDef               = 0x06
	ParamPtr                = 0x07
	Param                   = 0x08
	InterfaceImpl           = 0x09
	MemberRef               = 0x0A
	Constant                = 0x0B
	CustomAttribute         = 0x0C
	FieldMarshal            = 0x0D
	DeclSecurity            = 0x0E
	ClassLayout             = 0x0F
	FieldLayout             = 0x10
	StandAloneSig           = 0x11
	EventMap                = 0x12
	EventPtr                = 0x13
	Event                   = 0x14
	PropertyMap             = 0x15
	PropertyPtr             = 0x16
	Property                = 0x17
	MethodSemantics         = 0x18
	MethodImpl              = 0x19
	ModuleRef               = 0x1A
	TypeSpec                = 0x1B
	ImplMap                 = 0x1C
	FieldRVA                = 0x1D
	ENCLog                  = 0x1E
	ENCMap                  = 0x1F
	Assembly                = 0x20
	AssemblyProcessor       = 0x21
	AssemblyOS              = 0x22
	AssemblyRef             = 0x23
	AssemblyRefProcessor    = 0x24
	AssemblyRefOS           = 0x25
	FileMD                  = 0x26
	ExportedType            = 0x27
	ManifestResource        = 0x28
	NestedClass             = 0x29
	GenericParam            = 0x2A
	MethodSpec              = 0x2B
	GenericParamConstraint  = 0x2C

	tableCount = 0x2D
)

var metadataTableNames = map[int]string{
	Module: "Module", TypeRef: "TypeRef", TypeDef: "TypeDef", FieldPtr: "FieldPtr",
	Field: "Field", MethodPtr: "MethodPtr", MethodDef: "MethodDef", ParamPtr: "ParamPtr",
	Param: "Param", InterfaceImpl: "InterfaceImpl", MemberRef: "MemberRef", Constant: "Constant",
	CustomAttribute: "CustomAttribute", FieldMarshal: "FieldMarshal", DeclSecurity: "DeclSecurity",
	ClassLayout: "ClassLayout", FieldLayout: "FieldLayout", StandAloneSig: "StandAloneSig",
	EventMap: "EventMap", EventPtr: "EventPtr", Event: "Event", PropertyMap: "PropertyMap",
	PropertyPtr: "PropertyPtr", Property: "Property", MethodSemantics: "MethodSemantics",
	MethodImpl: "MethodImpl", ModuleRef: "ModuleRef", TypeSpec: "TypeSpec", ImplMap: "ImplMap",
	FieldRVA: "FieldRVA", ENCLog: "ENCLog", ENCMap: "ENCMap", Assembly: "Assembly",
	AssemblyProcessor: "AssemblyProcessor", AssemblyOS: "AssemblyOS", AssemblyRef: "AssemblyRef",
	AssemblyRefProcessor: "AssemblyRefProcessor", AssemblyRefOS: "AssemblyRefOS", FileMD: "File",
	ExportedType: "ExportedType", ManifestResource: "ManifestResource", NestedClass: "NestedClass",
	GenericParam: "GenericParam", MethodSpec: "MethodSpec", GenericParamConstraint: "GenericParamConstraint",
}

// MetadataTableIndexToString returns the ECMA-335 name of a table number.
func MetadataTableIndexToString(t int) string {
	if s, ok := metadataTableNames[t]; ok {
		return s
	}
	return "?"
}

// Heap bit positions within the table heap header's HeapSizes byte.
const (
	heapSizesLargeStrings = 0x01
	heapSizesLargeGUID    = 0x02
	heapSizesLargeBlob    = 0x04
)

// ImageDataDirectory is the 8-byte (RVA, Size) pair embedded in the CLI header.
type ImageDataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// ImageCOR20Header is the 72-byte CLI header (IMAGE_COR20_HEADER).
type ImageCOR20Header struct {
	Cb                      uint32
	MajorRuntimeVersion     uint16
	MinorRuntimeVersion     uint16
	MetaData                ImageDataDirectory
	Flags                   uint32
	EntryPointRVAorToken    uint32
	Resources               ImageDataDirectory
	StrongNameSignature     ImageDataDirectory
	CodeManagerTable        ImageDataDirectory
	VTableFixups            ImageDataDirectory
	ExportAddressTableJumps ImageDataDirectory
	ManagedNativeHeader     ImageDataDirectory
}

// MetadataHeader is the metadata root: magic, versions, version string.
type MetadataHeader struct {
	Signature     uint32
	MajorVersion  uint16
	MinorVersion  uint16
	ExtraData     uint32
	VersionLength uint32
	Version       string
	Flags         uint8
	Streams       uint16
}

// MetadataBlobMagic is the "BSJB" magic every metadata root begins with.
const MetadataBlobMagic = 0x424A5342

// StreamInfo records where one metadata stream lives in the file.
type StreamInfo struct {
	Name       string
	RVAOffset  uint32 // offset relative to the metadata root
	Size       uint32
	FileOffset uint32
}

// MetadataTableStreamHeader is the table heap (#~/#-) header.
type MetadataTableStreamHeader struct {
	Reserved     uint32
	MajorVersion uint8
	MinorVersion uint8
	HeapSizes    uint8
	ReservedByte uint8
	Valid        uint64
	Sorted       uint64
}

// CLRData holds everything C2 discovers about the CLI header and the
// ECMA-335 metadata it anchors.
type CLRData struct {
	Header ImageCOR20Header
	Meta   MetadataHeader

	MetadataRVA        uint32
	MetadataFileOffset uint32
	MetadataSize       uint32

	Streams     map[string]StreamInfo
	StreamOrder []string

	TableHeap MetadataTableStreamHeader

	StringHeapIndexSize uint32
	GUIDHeapIndexSize   uint32
	BlobHeapIndexSize   uint32

	rowCounts    [tableCount]uint32
	tableOffsets [tableCount]uint32 // byte offset of table data within the table-data region
}

// RowCount returns how many rows table t has (0 if absent).
func (pe *File) RowCount(t int) uint32 {
	if t < 0 || t >= tableCount {
		return 0
	}
	return pe.CLR.rowCounts[t]
}

// HasTable reports whether table t is present in the Valid bitmask.
func (pe *File) HasTable(t int) bool {
	return IsBitSet(pe.CLR.TableHeap.Valid, t)
}

// TableIndexSize returns 2 if RowCount(t) < 2^16, else 4.
func (pe *File) TableIndexSize(t int) uint32 {
	if pe.RowCount(t) >= 1<<16 {
		return 4
	}
	return 2
}

// StringHeapSize returns the byte length of the #Strings stream.
func (pe *File) StringHeapSize() uint32 { return pe.streamSize("#Strings") }

// BlobHeapSize returns the byte length of the #Blob stream.
func (pe *File) BlobHeapSize() uint32 { return pe.streamSize("#Blob") }

// GUIDHeapSize returns the byte length of the #GUID stream.
func (pe *File) GUIDHeapSize() uint32 { return pe.streamSize("#GUID") }

func (pe *File) streamSize(name string) uint32 {
	if s, ok := pe.CLR.Streams[name]; ok {
		return s.Size
	}
	return 0
}

// StreamBytes returns the raw content of a named stream, aliasing the
// image's backing bytes.
func (pe *File) StreamBytes(name string) ([]byte, error) {
	s, ok := pe.CLR.Streams[name]
	if !ok {
		return nil, nil
	}
	return pe.ReadBytesAtOffset(s.FileOffset, s.Size)
}

// RowOffset returns the absolute file offset of row rid (1-based) in table t.
func (pe *File) RowOffset(t int, rid uint32) uint32 {
	tableHeapBase := pe.tableDataBase()
	return tableHeapBase + pe.CLR.tableOffsets[t] + (rid-1)*pe.RowSize(t)
}

// tableDataBase returns the file offset where per-table row data begins,
// i.e. right after the row-count array.
func (pe *File) tableDataBase() uint32 {
	s := pe.CLR.Streams["#~"]
	if s.Size == 0 {
		s = pe.CLR.Streams["#-"]
	}
	header := uint32(24) // table heap header: 4+1+1+1+1+8+8
	nPresent := uint32(0)
	for t := 0; t < tableCount; t++ {
		if IsBitSet(pe.CLR.TableHeap.Valid, t) {
			nPresent++
		}
	}
	return s.FileOffset + header + nPresent*4
}

// parseCLRHeaderDirectory parses the 72-byte CLI header at rva and, if it
// anchors a metadata root, the metadata root, stream directory and table
// heap header.
func (pe *File) parseCLRHeaderDirectory(rva, size uint32) error {
	offset := pe.GetOffsetFromRva(rva)
	if offset == invalidOffset {
		return &InvalidImageError{Reason: "CLI header RVA does not resolve to any section"}
	}
	if err := pe.structUnpack(&pe.CLR.Header, offset, size); err != nil {
		return err
	}

	h := pe.CLR.Header
	if h.MetaData.VirtualAddress == 0 || h.MetaData.Size == 0 {
		return nil
	}

	pe.CLR.MetadataRVA = h.MetaData.VirtualAddress
	pe.CLR.MetadataSize = h.MetaData.Size
	mdOffset := pe.GetOffsetFromRva(h.MetaData.VirtualAddress)
	if mdOffset == invalidOffset {
		return &InvalidImageError{Reason: "metadata RVA does not resolve to any section"}
	}
	pe.CLR.MetadataFileOffset = mdOffset

	mh, err := pe.parseMetadataHeader(mdOffset)
	if err != nil {
		return err
	}
	pe.CLR.Meta = mh
	pe.HasCLR = true

	pe.CLR.Streams = make(map[string]StreamInfo)
	// mh already consumed the version string plus the 4-byte
	// Flags/reserved/Streams word that follows it; the stream directory
	// starts immediately after.
	cursor := mdOffset + 16 + alignUp(mh.VersionLength, 4) + 4

	var tableStreamOffset, tableStreamSize uint32
	for i := uint16(0); i < mh.Streams; i++ {
		relOffset, err := pe.ReadUint32(cursor)
		if err != nil {
			return err
		}
		sz, err := pe.ReadUint32(cursor + 4)
		if err != nil {
			return err
		}
		cursor += 8

		name, nameLen, err := pe.readStreamName(cursor)
		if err != nil {
			return err
		}
		cursor += nameLen

		info := StreamInfo{
			Name:       name,
			RVAOffset:  relOffset,
			Size:       sz,
			FileOffset: pe.GetOffsetFromRva(h.MetaData.VirtualAddress + relOffset),
		}
		pe.CLR.Streams[name] = info
		pe.CLR.StreamOrder = append(pe.CLR.StreamOrder, name)

		if name == "#~" || name == "#-" {
			tableStreamOffset = info.FileOffset
			tableStreamSize = sz
		}
	}

	if tableStreamSize == 0 {
		return nil
	}
	return pe.parseTableHeap(tableStreamOffset)
}

// readStreamName reads the NUL-terminated, 4-byte aligned ASCII stream name
// starting at offset, and returns how many bytes it occupied.
func (pe *File) readStreamName(offset uint32) (string, uint32, error) {
	name := make([]byte, 0, 16)
	i := uint32(0)
	for {
		c, err := pe.ReadUint8(offset + i)
		if err != nil {
			return "", 0, err
		}
		i++
		if c == 0 {
			break
		}
		name = append(name, c)
	}
	return string(name), alignUp(i, 4), nil
}

func (pe *File) parseMetadataHeader(offset uint32) (MetadataHeader, error) {
	var mh MetadataHeader
	var err error

	if mh.Signature, err = pe.ReadUint32(offset); err != nil {
		return mh, err
	}
	if mh.Signature != MetadataBlobMagic {
		return mh, &InvalidImageError{Reason: "metadata root magic mismatch"}
	}
	if mh.MajorVersion, err = pe.ReadUint16(offset + 4); err != nil {
		return mh, err
	}
	if mh.MinorVersion, err = pe.ReadUint16(offset + 6); err != nil {
		return mh, err
	}
	if mh.ExtraData, err = pe.ReadUint32(offset + 8); err != nil {
		return mh, err
	}
	if mh.VersionLength, err = pe.ReadUint32(offset + 12); err != nil {
		return mh, err
	}
	verBytes, err := pe.ReadBytesAtOffset(offset+16, mh.VersionLength)
	if err != nil {
		return mh, err
	}
	mh.Version = trimNulString(verBytes)

	tail := offset + 16 + alignUp(mh.VersionLength, 4)
	if mh.Flags, err = pe.ReadUint8(tail); err != nil {
		return mh, err
	}
	if mh.Streams, err = pe.ReadUint16(tail + 2); err != nil {
		return mh, err
	}
	return mh, nil
}

func trimNulString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// parseTableHeap parses the table heap header, the present-table row
// counts, and computes every present table's row size and byte offset.
func (pe *File) parseTableHeap(offset uint32) error {
	var err error
	th := &pe.CLR.TableHeap
	if th.Reserved, err = pe.ReadUint32(offset); err != nil {
		return err
	}
	if th.MajorVersion, err = pe.ReadUint8(offset + 4); err != nil {
		return err
	}
	if th.MinorVersion, err = pe.ReadUint8(offset + 5); err != nil {
		return err
	}
	if th.HeapSizes, err = pe.ReadUint8(offset + 6); err != nil {
		return err
	}
	if th.ReservedByte, err = pe.ReadUint8(offset + 7); err != nil {
		return err
	}
	if th.Valid, err = pe.ReadUint64(offset + 8); err != nil {
		return err
	}
	if th.Sorted, err = pe.ReadUint64(offset + 16); err != nil {
		return err
	}

	pe.CLR.StringHeapIndexSize = heapIndexSize(th.HeapSizes, heapSizesLargeStrings)
	pe.CLR.GUIDHeapIndexSize = heapIndexSize(th.HeapSizes, heapSizesLargeGUID)
	pe.CLR.BlobHeapIndexSize = heapIndexSize(th.HeapSizes, heapSizesLargeBlob)

	cursor := offset + 24
	for t := 0; t < tableCount; t++ {
		if !IsBitSet(th.Valid, t) {
			continue
		}
		n, err := pe.ReadUint32(cursor)
		if err != nil {
			return err
		}
		pe.CLR.rowCounts[t] = n
		cursor += 4
	}

	var tableDataOffset uint32
	for t := 0; t < tableCount; t++ {
		if !IsBitSet(th.Valid, t) {
			continue
		}
		pe.CLR.tableOffsets[t] = tableDataOffset
		tableDataOffset += pe.RowSize(t) * pe.CLR.rowCounts[t]
	}

	return nil
}

func heapIndexSize(heapSizes, bit uint8) uint32 {
	if heapSizes&bit != 0 {
		return 4
	}
	return 2
}
