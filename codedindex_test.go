package clrshade

import "testing"

type fakeRowCounter map[int]uint32

func (f fakeRowCounter) RowCount(t int) uint32 { return f[t] }

func TestEncodeDecodeCodedIndexRoundTrip(t *testing.T) {
	v, err := encodeCodedIndex(idxResolutionScope, AssemblyRef, 7)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeCodedIndex(idxResolutionScope, v)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != (CodedToken{Table: AssemblyRef, Rid: 7}) {
		t.Fatalf("got %+v", got)
	}
}

func TestEncodeCodedIndexZeroRidAlwaysZero(t *testing.T) {
	v, err := encodeCodedIndex(idxTypeDefOrRef, TypeRef, 0)
	if err != nil || v != 0 {
		t.Fatalf("encode(rid=0) = (%d, %v), want (0, nil)", v, err)
	}
}

func TestEncodeCodedIndexUnknownTable(t *testing.T) {
	_, err := encodeCodedIndex(idxResolutionScope, MethodDef, 1)
	if err != ErrUnknownCodedIndex {
		t.Fatalf("err = %v, want ErrUnknownCodedIndex", err)
	}
}

func TestDecodeCodedIndexZeroIsNullToken(t *testing.T) {
	got, err := decodeCodedIndex(idxTypeDefOrRef, 0)
	if err != nil {
		t.Fatalf("decode(0): %v", err)
	}
	if got != (CodedToken{Table: Module, Rid: 0}) {
		t.Fatalf("got %+v, want null token", got)
	}
}

func TestDecodeCodedIndexReservedSlot(t *testing.T) {
	// idxCustomAttributeType tag 0 is reserved.
	_, err := decodeCodedIndex(idxCustomAttributeType, 0x08) // rid=1, tag=0
	if err != ErrUnknownCodedIndex {
		t.Fatalf("err = %v, want ErrUnknownCodedIndex", err)
	}
}

func TestCodedIndexSizeWidensAtThreshold(t *testing.T) {
	pe := &File{}
	ci := idxResolutionScope // tagBits=2, limit = 1<<14 = 16384

	pe.CLR.rowCounts[AssemblyRef] = 16383
	if got := pe.CodedIndexSize(ci); got != 2 {
		t.Fatalf("CodedIndexSize below threshold = %d, want 2", got)
	}

	pe.CLR.rowCounts[AssemblyRef] = 16384
	if got := pe.CodedIndexSize(ci); got != 4 {
		t.Fatalf("CodedIndexSize at threshold = %d, want 4", got)
	}
}
