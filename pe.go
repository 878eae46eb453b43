// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrshade

// Image executable signatures.
const (
	// The DOS MZ executable format is the executable file format used
	// for .EXE files in DOS.
	ImageDOSSignature   = 0x5A4D // MZ
	ImageDOSZMSignature = 0x4D5A // ZM

	// The Portable Executable (PE) format is a file format for executables,
	// object code, DLLs and others used in 32-bit and 64-bit versions of
	// Windows operating systems.
	ImageNTSignature = 0x00004550 // PE00
)

// Optional header magic.
const (
	ImageNtOptionalHeader32Magic = 0x10b
	ImageNtOptionalHeader64Magic = 0x20b
)

// ImageFileDLL marks the COFF characteristics field to indicate the file is
// a dynamic-link library rather than a plain executable.
const ImageFileDLL = 0x2000

// ImageDirectoryEntry identifies one of the 16 slots in the optional
// header's data directory array.
type ImageDirectoryEntry int

// Data directory indices, in PE layout order.
const (
	ImageDirectoryEntryExport       ImageDirectoryEntry = iota // Export Table
	ImageDirectoryEntryImport                                  // Import Table
	ImageDirectoryEntryResource                                // Resource Table
	ImageDirectoryEntryException                               // Exception Table
	ImageDirectoryEntryCertificate                              // Certificate Directory
	ImageDirectoryEntryBaseReloc                               // Base Relocation Table
	ImageDirectoryEntryDebug                                   // Debug
	ImageDirectoryEntryArchitecture                            // Architecture Specific Data
	ImageDirectoryEntryGlobalPtr                               // RVA of the global pointer register value
	ImageDirectoryEntryTLS                                     // Thread Local Storage table
	ImageDirectoryEntryLoadConfig                               // Load Configuration table
	ImageDirectoryEntryBoundImport                              // Bound Import table
	ImageDirectoryEntryIAT                                      // Import Address Table
	ImageDirectoryEntryDelayImport                              // Delay Import Descriptor
	ImageDirectoryEntryCLR                                      // CLR Runtime Header
	ImageDirectoryEntryReserved                                 // Must be zero
	ImageNumberOfDirectoryEntries                               // Tables count
)
