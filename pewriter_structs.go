// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrshade

// ImageImportDescriptor is the 20-byte IMAGE_IMPORT_DESCRIPTOR record the
// Import Directory is an array of, terminated by an all-zero entry.
type ImageImportDescriptor struct {
	OriginalFirstThunk uint32
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32
	FirstThunk         uint32
}

const imageImportDescriptorSize = 20

func (d ImageImportDescriptor) isNull() bool {
	return d.OriginalFirstThunk == 0 && d.TimeDateStamp == 0 &&
		d.ForwarderChain == 0 && d.Name == 0 && d.FirstThunk == 0
}

// ImageDebugDirectory is the 28-byte IMAGE_DEBUG_DIRECTORY record the Debug
// Directory is an array of.
type ImageDebugDirectory struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

const imageDebugDirectorySize = 28

// ordinalFlag32/64 mark a thunk entry as an ordinal import rather than a
// hint/name RVA; the high bit of the thunk's natural width.
const (
	ordinalFlag32 = uint64(1) << 31
	ordinalFlag64 = uint64(1) << 63
)

// imageBaseRelocationBlockSize is the 8-byte (PageRVA, SizeOfBlock) header
// that precedes each base relocation block's array of 2-byte entries.
const imageBaseRelocationBlockSize = 8

// relocEntryType/relocEntryOffset split a 2-byte base relocation entry into
// its 4-bit type and 12-bit page offset, per IMAGE_BASE_RELOCATION.
func relocEntryType(entry uint16) uint16   { return entry >> 12 }
func relocEntryOffset(entry uint16) uint16 { return entry & 0x0FFF }
func makeRelocEntry(typ, offset uint16) uint16 {
	return (typ << 12) | (offset & 0x0FFF)
}

const relocTypeAbsolute = 0
