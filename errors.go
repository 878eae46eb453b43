// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrshade

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no extra payload.
var (
	// ErrNotManagedImage is returned when a PE file has no CLI header, i.e.
	// it is not a managed assembly.
	ErrNotManagedImage = errors.New("clrshade: not a managed image")

	// ErrUnknownCodedIndex is returned when a coded index value references a
	// reserved tag slot.
	ErrUnknownCodedIndex = errors.New("clrshade: coded index references a reserved tag slot")

	// ErrMissingRuntimeRef is returned when AddInternalsVisibleTo cannot find
	// any resolution scope to anchor a new TypeRef against.
	ErrMissingRuntimeRef = errors.New("clrshade: no runtime resolution scope available")

	// ErrSignPlaceholderMissing is returned by the strong-name signer when the
	// image carries no strong-name signature directory.
	ErrSignPlaceholderMissing = errors.New("clrshade: no strong-name signature directory present")

	// ErrOutsideBoundary is returned when a read would run past the end of
	// the mapped image.
	ErrOutsideBoundary = errors.New("clrshade: reading data outside image boundary")

	// ErrInvalidPESize is returned when the file is smaller than the
	// smallest possible PE image.
	ErrInvalidPESize = errors.New("clrshade: file smaller than the smallest valid PE image")

	// ErrDOSMagicNotFound is returned when the DOS stub's magic is absent.
	ErrDOSMagicNotFound = errors.New("clrshade: DOS header magic not found")

	// ErrInvalidElfanewValue is returned when e_lfanew points outside the file.
	ErrInvalidElfanewValue = errors.New("clrshade: invalid e_lfanew value, probably not a PE file")

	// ErrImageNtSignatureNotFound is returned when the PE signature is absent.
	ErrImageNtSignatureNotFound = errors.New("clrshade: PE signature not found")

	// ErrImageNtOptionalHeaderMagicNotFound is returned when the optional
	// header magic is neither PE32 nor PE32+.
	ErrImageNtOptionalHeaderMagicNotFound = errors.New("clrshade: optional header magic not found")

	// ErrInvalidNtHeaderOffset is returned when e_lfanew points past the
	// end of the file, so the NT header signature cannot be read.
	ErrInvalidNtHeaderOffset = errors.New("clrshade: invalid NT header offset, NT header signature not found")
)

// InvalidImageError reports that the PE or ECMA-335 metadata structure
// violates the format (bad magic, unresolvable RVA, truncated heap, ...).
type InvalidImageError struct {
	Reason string
}

func (e *InvalidImageError) Error() string {
	return fmt.Sprintf("clrshade: invalid image: %s", e.Reason)
}

// IndexWidthGrowthUnsupportedError is returned by the metadata writer when a
// rebuild must grow a heap-index width and the source contains a present
// table, other than the ones this module has row codecs for, that it cannot
// safely rewrite under the new widths.
type IndexWidthGrowthUnsupportedError struct {
	Table int
}

func (e *IndexWidthGrowthUnsupportedError) Error() string {
	return fmt.Sprintf("clrshade: growing heap-index widths requires rewriting table %s, which is not implemented",
		MetadataTableIndexToString(e.Table))
}

// KeyFormatError reports that a CAPI key blob's header or magic did not
// match any recognized shape.
type KeyFormatError struct {
	Reason string
}

func (e *KeyFormatError) Error() string {
	return fmt.Sprintf("clrshade: key format error: %s", e.Reason)
}
