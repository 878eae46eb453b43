package clrshade

import "testing"

func TestMax(t *testing.T) {
	if Max(3, 5) != 5 {
		t.Fatal("Max(3,5) != 5")
	}
	if Max(5, 3) != 5 {
		t.Fatal("Max(5,3) != 5")
	}
}

func TestAlignUp(t *testing.T) {
	cases := []struct{ value, alignment, want uint32 }{
		{0, 4, 0},
		{1, 4, 4},
		{4, 4, 4},
		{5, 4, 8},
		{10, 0, 10},
	}
	for _, c := range cases {
		if got := alignUp(c.value, c.alignment); got != c.want {
			t.Fatalf("alignUp(%d,%d) = %d, want %d", c.value, c.alignment, got, c.want)
		}
	}
}

func TestIsBitSet(t *testing.T) {
	var mask uint64 = (1 << 0) | (1 << 35)
	if !IsBitSet(mask, 0) || !IsBitSet(mask, 35) {
		t.Fatal("expected bits 0 and 35 set")
	}
	if IsBitSet(mask, 1) {
		t.Fatal("bit 1 should not be set")
	}
}

func TestDecodeUTF16String(t *testing.T) {
	// "Hi" in UTF-16LE, NUL-terminated.
	b := []byte{'H', 0, 'i', 0, 0, 0}
	s, err := DecodeUTF16String(b)
	if err != nil {
		t.Fatalf("DecodeUTF16String: %v", err)
	}
	if s != "Hi" {
		t.Fatalf("got %q, want Hi", s)
	}
}

func TestDecodeUTF16StringEmpty(t *testing.T) {
	s, err := DecodeUTF16String([]byte{0, 0})
	if err != nil || s != "" {
		t.Fatalf("got (%q, %v), want (\"\", nil)", s, err)
	}
}

func TestCompressedLengthSizeThresholds(t *testing.T) {
	cases := []struct {
		n    uint32
		want uint32
	}{
		{0, 1}, {0x7F, 1}, {0x80, 2}, {0x3FFF, 2}, {0x4000, 4},
	}
	for _, c := range cases {
		if got := compressedLengthSize(c.n); got != c.want {
			t.Fatalf("compressedLengthSize(0x%X) = %d, want %d", c.n, got, c.want)
		}
	}
}
