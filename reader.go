// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrshade

import (
	"io"
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/go-kratos/kratos/v2/log"
)

// TinyPESize is the smallest possible PE image, reused from the teacher's
// anti-corruption check: anything shorter cannot carry a DOS+NT header pair.
const TinyPESize = 97

// MaxDefaultRelocEntriesCount bounds how many relocation entries a single
// block's patch walk will visit, guarding against a corrupt or hostile
// SizeOfBlock value.
const MaxDefaultRelocEntriesCount = 0x1000

// MaxDefaultImportDescriptors bounds the import-descriptor walk in the
// PE Writer's RVA-shift pass.
const MaxDefaultImportDescriptors = 100

// CopyBufferSize is the bounded buffer size used by streaming copy/hash
// loops throughout the writer and signer.
const CopyBufferSize = 80 * 1024

// File represents an open PE image carrying ECMA-335 metadata. It owns a
// read-only memory-mapped (or in-memory) view of the source bytes and the
// parsed header state the rest of the package operates on.
type File struct {
	DOSHeader ImageDOSHeader
	NtHeader  ImageNtHeader
	Sections  []Section
	CLR       CLRData

	Is64   bool
	HasCLR bool

	data mmap.MMap
	size uint32
	f    *os.File
	opts *Options

	logger *log.Helper
}

// Options configures how a File is opened and how defensive limits are
// applied while walking variable-length structures.
type Options struct {
	// MaxRelocEntriesCount bounds the relocation-table patch walk (§4.7j),
	// by default MaxDefaultRelocEntriesCount.
	MaxRelocEntriesCount uint32

	// MaxImportDescriptors bounds the import-directory patch walk (§4.7h),
	// by default MaxDefaultImportDescriptors.
	MaxImportDescriptors uint32

	// Logger is a custom structured logger; defaults to an error-filtered
	// stderr logger when nil.
	Logger log.Logger
}

func (o *Options) withDefaults() *Options {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if opts.MaxRelocEntriesCount == 0 {
		opts.MaxRelocEntriesCount = MaxDefaultRelocEntriesCount
	}
	if opts.MaxImportDescriptors == 0 {
		opts.MaxImportDescriptors = MaxDefaultImportDescriptors
	}
	return &opts
}

// Open memory-maps the file at path read-only and parses it.
func Open(path string, opts *Options) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	file := newFile(data, opts)
	file.f = f
	if err := file.Parse(); err != nil {
		file.Close()
		return nil, err
	}
	return file, nil
}

// OpenBytes parses a PE image already resident in memory, with no backing
// file handle.
func OpenBytes(data []byte, opts *Options) (*File, error) {
	file := newFile(data, opts)
	if err := file.Parse(); err != nil {
		return nil, err
	}
	return file, nil
}

func newFile(data []byte, opts *Options) *File {
	file := &File{opts: opts.withDefaults()}

	var logger log.Logger
	if file.opts.Logger == nil {
		logger = log.NewStdLogger(os.Stderr)
	} else {
		logger = file.opts.Logger
	}
	file.logger = log.NewHelper(log.NewFilter(logger, log.FilterLevel(log.LevelError)))

	file.data = data
	file.size = uint32(len(data))
	return file
}

// Close releases the memory mapping and the underlying file handle, if any.
func (pe *File) Close() error {
	// Only Open maps a file; OpenBytes data is a plain slice with no file.
	if pe.data != nil && pe.f != nil {
		_ = pe.data.Unmap()
	}
	if pe.f != nil {
		return pe.f.Close()
	}
	return nil
}

// Parse parses the DOS header, NT header, section table and CLI/metadata
// header. It returns ErrNotManagedImage if the image carries no CLI header.
func (pe *File) Parse() error {
	if pe.size < TinyPESize {
		return ErrInvalidPESize
	}
	if err := pe.ParseDOSHeader(); err != nil {
		return err
	}
	if err := pe.ParseNTHeader(); err != nil {
		return err
	}
	if err := pe.ParseSectionHeader(); err != nil {
		return err
	}

	rva, size := pe.dataDirectory(ImageDirectoryEntryCLR)
	if rva == 0 || size == 0 {
		return ErrNotManagedImage
	}
	if err := pe.parseCLRHeaderDirectory(rva, size); err != nil {
		return err
	}
	if !pe.HasCLR {
		return ErrNotManagedImage
	}
	return nil
}

// dataDirectory returns the RVA and size of the given data directory index
// from whichever optional header variant this image carries.
func (pe *File) dataDirectory(entry ImageDirectoryEntry) (uint32, uint32) {
	if pe.Is64 {
		oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader64)
		d := oh.DataDirectory[entry]
		return d.VirtualAddress, d.Size
	}
	oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader32)
	d := oh.DataDirectory[entry]
	return d.VirtualAddress, d.Size
}

// OptionalHeaderOffset returns the file offset of the optional header, used
// by both the checksum field computation and the strong-name signer.
func (pe *File) OptionalHeaderOffset() uint32 {
	return pe.DOSHeader.AddressOfNewEXEHeader + 4 + fileHeaderSize
}

// SectionHeadersOffset returns the file offset of the first section header.
func (pe *File) SectionHeadersOffset() uint32 {
	return pe.OptionalHeaderOffset() + uint32(pe.NtHeader.FileHeader.SizeOfOptionalHeader)
}

// FileAlignment returns the optional header's FileAlignment field.
func (pe *File) FileAlignment() uint32 {
	if pe.Is64 {
		return pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).FileAlignment
	}
	return pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).FileAlignment
}

// SectionAlignment returns the optional header's SectionAlignment field.
func (pe *File) SectionAlignment() uint32 {
	if pe.Is64 {
		return pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).SectionAlignment
	}
	return pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).SectionAlignment
}

// SizeOfImage returns the optional header's SizeOfImage field.
func (pe *File) SizeOfImage() uint32 {
	if pe.Is64 {
		return pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).SizeOfImage
	}
	return pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).SizeOfImage
}

// AddressOfEntryPoint returns the optional header's AddressOfEntryPoint field.
func (pe *File) AddressOfEntryPoint() uint32 {
	if pe.Is64 {
		return pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).AddressOfEntryPoint
	}
	return pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).AddressOfEntryPoint
}

// CLIHeaderFileOffset returns the file offset of the 72-byte CLI header.
// Parse already validated this resolves to a section, so this is only ever
// called post-Parse against a File known to carry a CLI header.
func (pe *File) CLIHeaderFileOffset() uint32 {
	rva, _ := pe.dataDirectory(ImageDirectoryEntryCLR)
	return pe.GetOffsetFromRva(rva)
}

// ReadAt reads len(b) bytes starting at the given file offset.
func (pe *File) ReadAt(offset uint32, b []byte) (int, error) {
	if uint64(offset)+uint64(len(b)) > uint64(pe.size) {
		return 0, ErrOutsideBoundary
	}
	return copy(b, pe.data[offset:offset+uint32(len(b))]), nil
}

// ReadBytesAt returns a freshly-copied byte slice of count bytes starting at
// offset. Unlike ReadBytesAtOffset it never aliases the backing mmap, so
// callers may retain it past the File's lifetime.
func (pe *File) ReadBytesAt(offset, count uint32) ([]byte, error) {
	raw, err := pe.ReadBytesAtOffset(offset, count)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

// CopyRegion streams length bytes starting at offset into sink using a
// bounded buffer, so callers copying whole sections never hold the entire
// region in memory at once.
func (pe *File) CopyRegion(offset, length uint32, sink io.Writer) error {
	buf := make([]byte, CopyBufferSize)
	remaining := length
	pos := offset
	for remaining > 0 {
		chunk := uint32(len(buf))
		if remaining < chunk {
			chunk = remaining
		}
		if uint64(pos)+uint64(chunk) > uint64(pe.size) {
			return ErrOutsideBoundary
		}
		if _, err := sink.Write(pe.data[pos : pos+chunk]); err != nil {
			return err
		}
		pos += chunk
		remaining -= chunk
	}
	return nil
}

// Size returns the total size in bytes of the opened image.
func (pe *File) Size() uint32 { return pe.size }
