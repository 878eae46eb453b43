// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrshade

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// rowAddedCounts reports, per table, how many new rows this plan adds.
func (p *Plan) rowAddedCounts() map[int]uint32 {
	return map[int]uint32{
		TypeRef:         uint32(len(p.newTypeRefs)),
		MemberRef:       uint32(len(p.newMemberRefs)),
		CustomAttribute: uint32(len(p.newCustomAttributes)),
	}
}

// EmitMetadata serializes a fresh metadata blob reflecting every mutation
// recorded in the plan, using the plan's final heap-index widths. The
// result is 4-byte aligned throughout, per §4.6.
func (p *Plan) EmitMetadata() ([]byte, error) {
	pe := p.pe
	var out bytes.Buffer

	writeMetadataRoot(&out, pe.CLR.Meta)

	type streamSlot struct {
		name          string
		placeholderAt int
	}
	var slots []streamSlot
	for _, name := range pe.CLR.StreamOrder {
		placeholderAt := out.Len()
		out.Write(make([]byte, 8)) // (offset, size) placeholder
		writeAlignedName(&out, name)
		slots = append(slots, streamSlot{name: name, placeholderAt: placeholderAt})
	}

	buf := out.Bytes()
	for _, slot := range slots {
		streamStart := out.Len()
		content, err := p.emitStream(slot.name)
		if err != nil {
			return nil, err
		}
		out.Write(content)
		padTo4(&out)

		size := uint32(out.Len() - streamStart)
		buf = out.Bytes()
		binary.LittleEndian.PutUint32(buf[slot.placeholderAt:], uint32(streamStart))
		binary.LittleEndian.PutUint32(buf[slot.placeholderAt+4:], size)
	}

	return out.Bytes(), nil
}

func writeMetadataRoot(out *bytes.Buffer, mh MetadataHeader) {
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:], MetadataBlobMagic)
	binary.LittleEndian.PutUint16(hdr[4:], 1)
	binary.LittleEndian.PutUint16(hdr[6:], 1)
	binary.LittleEndian.PutUint32(hdr[8:], mh.ExtraData)
	verLen := alignUp(uint32(len(mh.Version))+1, 4)
	binary.LittleEndian.PutUint32(hdr[12:], verLen)
	out.Write(hdr[:])

	out.WriteString(mh.Version)
	pad := int(verLen) - len(mh.Version)
	out.Write(make([]byte, pad))

	out.WriteByte(0) // flags
	out.WriteByte(0) // reserved
	var streamCount [2]byte
	binary.LittleEndian.PutUint16(streamCount[:], mh.Streams)
	out.Write(streamCount[:])
}

func writeAlignedName(out *bytes.Buffer, name string) {
	out.WriteString(name)
	out.WriteByte(0)
	n := uint32(len(name)) + 1
	pad := alignUp(n, 4) - n
	out.Write(make([]byte, pad))
}

func padTo4(out *bytes.Buffer) {
	n := uint32(out.Len())
	pad := alignUp(n, 4) - n
	out.Write(make([]byte, pad))
}

func (p *Plan) emitStream(name string) ([]byte, error) {
	switch name {
	case "#Strings":
		return p.emitStringsHeap()
	case "#Blob":
		return p.emitBlobHeap()
	case "#~", "#-":
		return p.emitTableHeap()
	default:
		return p.pe.StreamBytes(name)
	}
}

func (p *Plan) emitStringsHeap() ([]byte, error) {
	orig, err := p.pe.StreamBytes("#Strings")
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	out.Write(orig)
	for _, s := range p.newStringOrder {
		out.WriteString(s)
		out.WriteByte(0)
	}
	return out.Bytes(), nil
}

func (p *Plan) emitBlobHeap() ([]byte, error) {
	orig, err := p.pe.StreamBytes("#Blob")
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	out.Write(orig)
	for _, b := range p.newBlobs {
		writeCompressedLength(&out, uint32(len(b.data)))
		out.Write(b.data)
	}
	return out.Bytes(), nil
}

func writeCompressedLength(out *bytes.Buffer, n uint32) {
	switch {
	case n < 0x80:
		out.WriteByte(byte(n))
	case n < 0x4000:
		out.WriteByte(byte(n>>8) | 0x80)
		out.WriteByte(byte(n))
	default:
		out.WriteByte(byte(n>>24) | 0xC0)
		out.WriteByte(byte(n >> 16))
		out.WriteByte(byte(n >> 8))
		out.WriteByte(byte(n))
	}
}

// newValidMask ORs in bits for TypeRef/MemberRef/CustomAttribute if this
// plan populates a table that was previously absent.
func (p *Plan) newValidMask() uint64 {
	mask := p.pe.CLR.TableHeap.Valid
	added := p.rowAddedCounts()
	for t, n := range added {
		if n > 0 {
			mask |= 1 << uint(t)
		}
	}
	return mask
}

func (p *Plan) emitTableHeap() ([]byte, error) {
	pe := p.pe
	validMask := p.newValidMask()
	added := p.rowAddedCounts()

	heapSizes := uint8(0)
	if p.finalStringIndexSize() == 4 {
		heapSizes |= heapSizesLargeStrings
	}
	if p.finalGUIDIndexSize() == 4 {
		heapSizes |= heapSizesLargeGUID
	}
	if p.finalBlobIndexSize() == 4 {
		heapSizes |= heapSizesLargeBlob
	}

	var out bytes.Buffer
	var hdr [24]byte
	hdr[4] = 2 // major version
	hdr[5] = 0 // minor version
	hdr[6] = heapSizes
	hdr[7] = 0
	binary.LittleEndian.PutUint64(hdr[8:], validMask)
	binary.LittleEndian.PutUint64(hdr[16:], pe.CLR.TableHeap.Sorted)
	out.Write(hdr[:])

	var present []int
	for t := 0; t < tableCount; t++ {
		if IsBitSet(validMask, t) {
			present = append(present, t)
		}
	}
	for _, t := range present {
		count := pe.RowCount(t) + added[t]
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], count)
		out.Write(b[:])
	}

	for _, t := range present {
		rows, err := p.emitTableRows(t)
		if err != nil {
			return nil, err
		}
		out.Write(rows)
	}

	return out.Bytes(), nil
}

// emitTableRows serializes every row of table t under the plan's final
// widths, per the row-data rules of §4.6.
func (p *Plan) emitTableRows(t int) ([]byte, error) {
	pe := p.pe
	switch t {
	case Assembly:
		row, err := p.GetAssemblyRow(1)
		if err != nil {
			return nil, err
		}
		return p.encodeAssemblyRow(row), nil

	case AssemblyRef:
		var out bytes.Buffer
		n := pe.RowCount(AssemblyRef)
		for rid := uint32(1); rid <= n; rid++ {
			row, err := p.GetAssemblyRefRow(rid)
			if err != nil {
				return nil, err
			}
			out.Write(p.encodeAssemblyRefRow(row))
		}
		return out.Bytes(), nil

	case TypeDef:
		var out bytes.Buffer
		n := pe.RowCount(TypeDef)
		for rid := uint32(1); rid <= n; rid++ {
			row, err := p.GetTypeDefRow(rid)
			if err != nil {
				return nil, err
			}
			b, err := p.encodeTypeDefRow(row)
			if err != nil {
				return nil, err
			}
			out.Write(b)
		}
		return out.Bytes(), nil

	case TypeRef:
		var out bytes.Buffer
		n := pe.RowCount(TypeRef)
		for rid := uint32(1); rid <= n; rid++ {
			row, err := pe.ReadTypeRefRow(rid)
			if err != nil {
				return nil, err
			}
			b, err := p.encodeTypeRefRow(row)
			if err != nil {
				return nil, err
			}
			out.Write(b)
		}
		for _, row := range p.newTypeRefs {
			b, err := p.encodeTypeRefRow(row)
			if err != nil {
				return nil, err
			}
			out.Write(b)
		}
		return out.Bytes(), nil

	case MemberRef:
		var out bytes.Buffer
		n := pe.RowCount(MemberRef)
		for rid := uint32(1); rid <= n; rid++ {
			row, err := pe.ReadMemberRefRow(rid)
			if err != nil {
				return nil, err
			}
			b, err := p.encodeMemberRefRow(row)
			if err != nil {
				return nil, err
			}
			out.Write(b)
		}
		for _, row := range p.newMemberRefs {
			b, err := p.encodeMemberRefRow(row)
			if err != nil {
				return nil, err
			}
			out.Write(b)
		}
		return out.Bytes(), nil

	case CustomAttribute:
		return p.emitCustomAttributeRows()

	default:
		if p.indexWidthsUnchanged() {
			size := pe.RowSize(t) * pe.RowCount(t)
			return pe.ReadBytesAtOffset(pe.RowOffset(t, 1), size)
		}
		return nil, &IndexWidthGrowthUnsupportedError{Table: t}
	}
}

// indexWidthsUnchanged reports whether this plan keeps every heap-index
// width identical to the source image.
func (p *Plan) indexWidthsUnchanged() bool {
	return p.finalStringIndexSize() == p.pe.CLR.StringHeapIndexSize &&
		p.finalBlobIndexSize() == p.pe.CLR.BlobHeapIndexSize &&
		p.finalGUIDIndexSize() == p.pe.CLR.GUIDHeapIndexSize
}

func (p *Plan) emitCustomAttributeRows() ([]byte, error) {
	pe := p.pe
	var rows []CustomAttributeRow
	n := pe.RowCount(CustomAttribute)
	for rid := uint32(1); rid <= n; rid++ {
		row, err := pe.ReadCustomAttributeRow(rid)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	rows = append(rows, p.newCustomAttributes...)

	type keyedRow struct {
		row CustomAttributeRow
		key uint32
	}
	keyed := make([]keyedRow, len(rows))
	for i, r := range rows {
		v, err := encodeCodedIndex(idxHasCustomAttribute, r.Parent.Table, r.Parent.Rid)
		if err != nil {
			return nil, err
		}
		keyed[i] = keyedRow{row: r, key: v}
	}
	sort.SliceStable(keyed, func(i, j int) bool {
		return keyed[i].key < keyed[j].key
	})

	var out bytes.Buffer
	for _, kr := range keyed {
		row := kr.row
		b, err := p.encodeCustomAttributeRow(row)
		if err != nil {
			return nil, err
		}
		out.Write(b)
	}
	return out.Bytes(), nil
}

func (p *Plan) encodeAssemblyRow(r AssemblyRow) []byte {
	pe := p.pe
	rc := rowCursor{pe: pe, row: make([]byte, pe.RowSize(Assembly))}
	cols := schemas[Assembly]
	rc.writeColumn(cols[0], r.HashAlgID)
	rc.writeColumn(cols[1], uint32(r.MajorVersion))
	rc.writeColumn(cols[2], uint32(r.MinorVersion))
	rc.writeColumn(cols[3], uint32(r.BuildNumber))
	rc.writeColumn(cols[4], uint32(r.RevisionNumber))
	rc.writeColumn(cols[5], r.Flags)
	rc.writeColumn(cols[6], r.PublicKey)
	rc.writeColumn(cols[7], r.Name)
	rc.writeColumn(cols[8], r.Culture)
	return rc.row
}

func (p *Plan) encodeAssemblyRefRow(r AssemblyRefRow) []byte {
	pe := p.pe
	rc := rowCursor{pe: pe, row: make([]byte, pe.RowSize(AssemblyRef))}
	cols := schemas[AssemblyRef]
	rc.writeColumn(cols[0], uint32(r.MajorVersion))
	rc.writeColumn(cols[1], uint32(r.MinorVersion))
	rc.writeColumn(cols[2], uint32(r.BuildNumber))
	rc.writeColumn(cols[3], uint32(r.RevisionNumber))
	rc.writeColumn(cols[4], r.Flags)
	rc.writeColumn(cols[5], r.PublicKeyOrToken)
	rc.writeColumn(cols[6], r.Name)
	rc.writeColumn(cols[7], r.Culture)
	rc.writeColumn(cols[8], r.HashValue)
	return rc.row
}

func (p *Plan) encodeTypeDefRow(r TypeDefRow) ([]byte, error) {
	pe := p.pe
	extends, err := encodeCodedIndex(idxTypeDefOrRef, r.Extends.Table, r.Extends.Rid)
	if err != nil {
		return nil, err
	}
	cols := schemas[TypeDef]
	rc := rowCursor{pe: pe, row: make([]byte, pe.RowSize(TypeDef))}
	rc.writeColumn(cols[0], r.Flags)
	rc.writeColumn(cols[1], r.Name)
	rc.writeColumn(cols[2], r.Namespace)
	rc.writeColumn(cols[3], extends)
	rc.writeColumn(cols[4], r.FieldList)
	rc.writeColumn(cols[5], r.MethodList)
	return rc.row, nil
}

func (p *Plan) encodeTypeRefRow(r TypeRefRow) ([]byte, error) {
	pe := p.pe
	scope, err := encodeCodedIndex(idxResolutionScope, r.ResolutionScope.Table, r.ResolutionScope.Rid)
	if err != nil {
		return nil, err
	}
	cols := schemas[TypeRef]
	rc := rowCursor{pe: pe, row: make([]byte, pe.RowSize(TypeRef))}
	rc.writeColumn(cols[0], scope)
	rc.writeColumn(cols[1], r.Name)
	rc.writeColumn(cols[2], r.Namespace)
	return rc.row, nil
}

func (p *Plan) encodeMemberRefRow(r MemberRefRow) ([]byte, error) {
	pe := p.pe
	class, err := encodeCodedIndex(idxMemberRefParent, r.Class.Table, r.Class.Rid)
	if err != nil {
		return nil, err
	}
	cols := schemas[MemberRef]
	rc := rowCursor{pe: pe, row: make([]byte, pe.RowSize(MemberRef))}
	rc.writeColumn(cols[0], class)
	rc.writeColumn(cols[1], r.Name)
	rc.writeColumn(cols[2], r.Signature)
	return rc.row, nil
}

func (p *Plan) encodeCustomAttributeRow(r CustomAttributeRow) ([]byte, error) {
	pe := p.pe
	parent, err := encodeCodedIndex(idxHasCustomAttribute, r.Parent.Table, r.Parent.Rid)
	if err != nil {
		return nil, err
	}
	typ, err := encodeCodedIndex(idxCustomAttributeType, r.Type.Table, r.Type.Rid)
	if err != nil {
		return nil, err
	}
	cols := schemas[CustomAttribute]
	rc := rowCursor{pe: pe, row: make([]byte, pe.RowSize(CustomAttribute))}
	rc.writeColumn(cols[0], parent)
	rc.writeColumn(cols[1], typ)
	rc.writeColumn(cols[2], r.Value)
	return rc.row, nil
}
