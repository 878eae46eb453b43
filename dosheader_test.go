package clrshade

import "testing"

func TestParseDOSHeaderFixture(t *testing.T) {
	pe := openFixture(t)
	if pe.DOSHeader.Magic != ImageDOSSignature {
		t.Fatalf("Magic = %#x, want %#x", pe.DOSHeader.Magic, ImageDOSSignature)
	}
	if pe.DOSHeader.AddressOfNewEXEHeader != 0x40 {
		t.Fatalf("AddressOfNewEXEHeader = %#x, want 0x40", pe.DOSHeader.AddressOfNewEXEHeader)
	}
}

func TestParseDOSHeaderRejectsBadMagic(t *testing.T) {
	data := buildManagedPE(t)
	data[0] = 'X'
	data[1] = 'X'
	_, err := OpenBytes(data, &Options{})
	if err != ErrDOSMagicNotFound {
		t.Fatalf("err = %v, want ErrDOSMagicNotFound", err)
	}
}

func TestParseDOSHeaderRejectsElfanewOutOfRange(t *testing.T) {
	data := buildManagedPE(t)
	var big [4]byte
	big[0], big[1], big[2], big[3] = 0xFF, 0xFF, 0xFF, 0x7F
	copy(data[0x3C:0x40], big[:])
	_, err := OpenBytes(data, &Options{})
	if err != ErrInvalidElfanewValue {
		t.Fatalf("err = %v, want ErrInvalidElfanewValue", err)
	}
}

func TestParseDOSHeaderRejectsZeroElfanew(t *testing.T) {
	data := buildManagedPE(t)
	data[0x3C], data[0x3D], data[0x3E], data[0x3F] = 0, 0, 0, 0
	_, err := OpenBytes(data, &Options{})
	if err != ErrInvalidElfanewValue {
		t.Fatalf("err = %v, want ErrInvalidElfanewValue", err)
	}
}
