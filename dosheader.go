// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrshade

import "encoding/binary"

// ImageDOSHeader represents the DOS stub of a PE. Only AddressOfNewEXEHeader
// is load-bearing for this package; the remaining fields are carried through
// untouched by every write strategy since the header region before the
// first section is always copied verbatim.
type ImageDOSHeader struct {
	Magic                    uint16
	BytesOnLastPageOfFile    uint16
	PagesInFile              uint16
	Relocations              uint16
	SizeOfHeader             uint16
	MinExtraParagraphsNeeded uint16
	MaxExtraParagraphsNeeded uint16
	InitialSS                uint16
	InitialSP                uint16
	Checksum                 uint16
	InitialIP                uint16
	InitialCS                uint16
	AddressOfRelocationTable uint16
	OverlayNumber            uint16
	ReservedWords1           [4]uint16
	OEMIdentifier            uint16
	OEMInformation           uint16
	ReservedWords2           [10]uint16
	AddressOfNewEXEHeader    uint32
}

// ParseDOSHeader parses the DOS header stub every PE file begins with.
func (pe *File) ParseDOSHeader() (err error) {
	size := uint32(binary.Size(pe.DOSHeader))
	if err = pe.structUnpack(&pe.DOSHeader, 0, size); err != nil {
		return err
	}

	if pe.DOSHeader.Magic != ImageDOSSignature && pe.DOSHeader.Magic != ImageDOSZMSignature {
		return ErrDOSMagicNotFound
	}

	// e_lfanew is the only required element (besides the signature) of the
	// DOS header to turn the EXE into a PE. It can't be null (signatures
	// would overlap) and can be 4 at minimum.
	if pe.DOSHeader.AddressOfNewEXEHeader < 4 || pe.DOSHeader.AddressOfNewEXEHeader > pe.size {
		return ErrInvalidElfanewValue
	}

	return nil
}
