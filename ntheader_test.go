package clrshade

import "testing"

func TestParseNTHeaderFixture(t *testing.T) {
	pe := openFixture(t)
	if pe.NtHeader.Signature != ImageNTSignature {
		t.Fatalf("Signature = %#x, want %#x", pe.NtHeader.Signature, ImageNTSignature)
	}
	if pe.NtHeader.FileHeader.NumberOfSections != 1 {
		t.Fatalf("NumberOfSections = %d, want 1", pe.NtHeader.FileHeader.NumberOfSections)
	}
	oh, ok := pe.NtHeader.OptionalHeader.(ImageOptionalHeader32)
	if !ok {
		t.Fatalf("OptionalHeader type = %T, want ImageOptionalHeader32", pe.NtHeader.OptionalHeader)
	}
	if oh.Magic != ImageNtOptionalHeader32Magic {
		t.Fatalf("Magic = %#x, want %#x", oh.Magic, ImageNtOptionalHeader32Magic)
	}
}

func TestParseNTHeaderRejectsBadSignature(t *testing.T) {
	data := buildManagedPE(t)
	data[0x40], data[0x41], data[0x42], data[0x43] = 'X', 'X', 'X', 'X'
	_, err := OpenBytes(data, &Options{})
	if err != ErrImageNtSignatureNotFound {
		t.Fatalf("err = %v, want ErrImageNtSignatureNotFound", err)
	}
}

func TestParseNTHeaderRejectsBadOptionalMagic(t *testing.T) {
	data := buildManagedPE(t)
	const oh = 0x40 + 4 + 20
	data[oh], data[oh+1] = 0xFF, 0xFF
	_, err := OpenBytes(data, &Options{})
	if err != ErrImageNtOptionalHeaderMagicNotFound {
		t.Fatalf("err = %v, want ErrImageNtOptionalHeaderMagicNotFound", err)
	}
}
