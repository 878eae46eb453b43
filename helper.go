// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrshade

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/text/encoding/unicode"
)

// FileAlignmentHardcodedValue is the minimum FileAlignment PointerToRawData
// values are expected to respect; values below 0x200 round to zero.
const FileAlignmentHardcodedValue = 0x200

// Max returns the larger of x or y.
func Max(x, y uint32) uint32 {
	if x < y {
		return y
	}
	return x
}

// alignUp rounds value up to the next multiple of alignment. alignment of
// zero is treated as 1 (no rounding).
func alignUp(value, alignment uint32) uint32 {
	if alignment == 0 {
		return value
	}
	rem := value % alignment
	if rem == 0 {
		return value
	}
	return value + (alignment - rem)
}

// ReadUint64 reads a little-endian uint64 from the image at offset.
func (pe *File) ReadUint64(offset uint32) (uint64, error) {
	if uint64(offset)+8 > uint64(pe.size) {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint64(pe.data[offset:]), nil
}

// ReadUint32 reads a little-endian uint32 from the image at offset.
func (pe *File) ReadUint32(offset uint32) (uint32, error) {
	if uint64(offset)+4 > uint64(pe.size) {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint32(pe.data[offset:]), nil
}

// ReadUint16 reads a little-endian uint16 from the image at offset.
func (pe *File) ReadUint16(offset uint32) (uint16, error) {
	if uint64(offset)+2 > uint64(pe.size) {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint16(pe.data[offset:]), nil
}

// ReadUint8 reads a single byte from the image at offset.
func (pe *File) ReadUint8(offset uint32) (uint8, error) {
	if uint64(offset)+1 > uint64(pe.size) {
		return 0, ErrOutsideBoundary
	}
	return pe.data[offset], nil
}

func (pe *File) structUnpack(iface interface{}, offset, size uint32) error {
	totalSize := offset + size
	if (totalSize > offset) != (size > 0) {
		return ErrOutsideBoundary
	}
	if offset >= pe.size || totalSize > pe.size {
		return ErrOutsideBoundary
	}

	buf := bytes.NewReader(pe.data[offset : offset+size])
	return binary.Read(buf, binary.LittleEndian, iface)
}

// ReadBytesAtOffset returns a slice aliasing the image's backing bytes.
// Callers that need to retain the result past the File's lifetime should
// use ReadBytesAt instead.
func (pe *File) ReadBytesAtOffset(offset, size uint32) ([]byte, error) {
	totalSize := offset + size
	if (totalSize > offset) != (size > 0) {
		return nil, ErrOutsideBoundary
	}
	if offset >= pe.size || totalSize > pe.size {
		return nil, ErrOutsideBoundary
	}
	return pe.data[offset : offset+size], nil
}

// DecodeUTF16String decodes a NUL-terminated UTF-16LE string from b.
func DecodeUTF16String(b []byte) (string, error) {
	n := bytes.Index(b, []byte{0, 0})
	if n == 0 {
		return "", nil
	}
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	s, err := decoder.Bytes(b[0 : n+1])
	if err != nil {
		return "", err
	}
	return string(s), nil
}

// IsBitSet returns true when bit pos of n is set.
func IsBitSet(n uint64, pos int) bool {
	return n&(1<<uint(pos)) != 0
}

// putUint16 writes v little-endian into out at offset, growing out if
// necessary is the caller's responsibility; out must already have room.
func putUint16(out []byte, offset uint32, v uint16) {
	binary.LittleEndian.PutUint16(out[offset:], v)
}

// putUint32 writes v little-endian into out at offset.
func putUint32(out []byte, offset uint32, v uint32) {
	binary.LittleEndian.PutUint32(out[offset:], v)
}

// readUint16At reads a little-endian uint16 from an arbitrary byte slice,
// used by the PE writer's patch passes which operate on the output buffer
// rather than the source mmap.
func readUint16At(b []byte, offset uint32) uint16 {
	return binary.LittleEndian.Uint16(b[offset:])
}

func readUint32At(b []byte, offset uint32) uint32 {
	return binary.LittleEndian.Uint32(b[offset:])
}
