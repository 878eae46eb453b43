// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrshade

// columnKind identifies the physical encoding of one metadata table column.
type columnKind int

const (
	colU16 columnKind = iota
	colU32
	colStringIdx
	colGUIDIdx
	colBlobIdx
	colTableIdx
	colCoded
)

type column struct {
	kind  columnKind
	table int            // valid when kind == colTableIdx
	coded codedIndexKind // valid when kind == colCoded
}

func u16() column                  { return column{kind: colU16} }
func u32() column                  { return column{kind: colU32} }
func strIdx() column               { return column{kind: colStringIdx} }
func guidIdx() column              { return column{kind: colGUIDIdx} }
func blobIdx() column              { return column{kind: colBlobIdx} }
func tblIdx(t int) column          { return column{kind: colTableIdx, table: t} }
func coded(ci codedIndexKind) column { return column{kind: colCoded, coded: ci} }

// schemas declares, for every ECMA-335 table (0x00-0x2C, including the
// Edit-and-Continue tables), the ordered list of columns. RowSize returns 0
// for a table number with no entry here.
var schemas = map[int][]column{
	Module:          {u16(), strIdx(), guidIdx(), guidIdx(), guidIdx()},
	TypeRef:         {coded(idxResolutionScope), strIdx(), strIdx()},
	TypeDef:         {u32(), strIdx(), strIdx(), coded(idxTypeDefOrRef), tblIdx(Field), tblIdx(MethodDef)},
	FieldPtr:        {tblIdx(Field)},
	Field:           {u16(), strIdx(), blobIdx()},
	MethodPtr:       {tblIdx(MethodDef)},
	MethodDef:       {u32(), u16(), u16(), strIdx(), blobIdx(), tblIdx(Param)},
	ParamPtr:        {tblIdx(Param)},
	Param:           {u16(), u16(), strIdx()},
	InterfaceImpl:   {tblIdx(TypeDef), coded(idxTypeDefOrRef)},
	MemberRef:       {coded(idxMemberRefParent), strIdx(), blobIdx()},
	Constant:        {u16(), coded(idxHasConstant), blobIdx()},
	CustomAttribute: {coded(idxHasCustomAttribute), coded(idxCustomAttributeType), blobIdx()},
	FieldMarshal:    {coded(idxHasFieldMarshal), blobIdx()},
	DeclSecurity:    {u16(), coded(idxHasDeclSecurity), blobIdx()},
	ClassLayout:     {u16(), u32(), tblIdx(TypeDef)},
	FieldLayout:     {u32(), tblIdx(Field)},
	StandAloneSig:   {blobIdx()},
	EventMap:        {tblIdx(TypeDef), tblIdx(Event)},
	EventPtr:        {tblIdx(Event)},
	Event:           {u16(), strIdx(), coded(idxTypeDefOrRef)},
	PropertyMap:     {tblIdx(TypeDef), tblIdx(Property)},
	PropertyPtr:     {tblIdx(Property)},
	Property:        {u16(), strIdx(), blobIdx()},
	MethodSemantics: {u16(), tblIdx(MethodDef), coded(idxHasSemantics)},
	MethodImpl:      {tblIdx(TypeDef), coded(idxMethodDefOrRef), coded(idxMethodDefOrRef)},
	ModuleRef:       {strIdx()},
	TypeSpec:        {blobIdx()},
	ImplMap:         {u16(), coded(idxMemberForwarded), strIdx(), tblIdx(ModuleRef)},
	FieldRVA:        {u32(), tblIdx(Field)},
	ENCLog:          {u32(), u32()},
	ENCMap:          {u32()},
	Assembly: {
		u32(), u16(), u16(), u16(), u16(), u32(), blobIdx(), strIdx(), strIdx(),
	},
	AssemblyProcessor: {u32()},
	AssemblyOS:        {u32(), u32(), u32()},
	AssemblyRef: {
		u16(), u16(), u16(), u16(), u32(), blobIdx(), strIdx(), strIdx(), blobIdx(),
	},
	AssemblyRefProcessor:  {u32(), tblIdx(AssemblyRef)},
	AssemblyRefOS:         {u32(), u32(), u32(), tblIdx(AssemblyRef)},
	FileMD:                {u32(), strIdx(), blobIdx()},
	ExportedType:          {u32(), u32(), strIdx(), strIdx(), coded(idxImplementation)},
	ManifestResource:      {u32(), u32(), strIdx(), coded(idxImplementation)},
	NestedClass:           {tblIdx(TypeDef), tblIdx(TypeDef)},
	GenericParam:          {u16(), u16(), coded(idxTypeOrMethodDef), strIdx()},
	MethodSpec:            {coded(idxMethodDefOrRef), blobIdx()},
	GenericParamConstraint: {tblIdx(GenericParam), coded(idxTypeDefOrRef)},
}

// columnSize returns a column's on-disk width for the current image.
func (pe *File) columnSize(c column) uint32 {
	switch c.kind {
	case colU16:
		return 2
	case colU32:
		return 4
	case colStringIdx:
		return pe.CLR.StringHeapIndexSize
	case colGUIDIdx:
		return pe.CLR.GUIDHeapIndexSize
	case colBlobIdx:
		return pe.CLR.BlobHeapIndexSize
	case colTableIdx:
		return pe.TableIndexSize(c.table)
	case colCoded:
		return pe.CodedIndexSize(c.coded)
	}
	return 0
}

// RowSize returns the byte width of one row of table t under the current
// heap and table index widths.
func (pe *File) RowSize(t int) uint32 {
	cols, ok := schemas[t]
	if !ok {
		return 0
	}
	var size uint32
	for _, c := range cols {
		size += pe.columnSize(c)
	}
	return size
}

// rowCursor walks a row's column values in schema order.
type rowCursor struct {
	pe     *File
	row    []byte
	offset uint32
}

func (rc *rowCursor) readColumn(c column) uint32 {
	w := rc.pe.columnSize(c)
	var v uint32
	if w == 2 {
		v = uint32(readUint16At(rc.row, rc.offset))
	} else {
		v = readUint32At(rc.row, rc.offset)
	}
	rc.offset += w
	return v
}

func (rc *rowCursor) writeColumn(c column, v uint32) {
	w := rc.pe.columnSize(c)
	if w == 2 {
		putUint16(rc.row, rc.offset, uint16(v))
	} else {
		putUint32(rc.row, rc.offset, v)
	}
	rc.offset += w
}

func (pe *File) readRow(t int, rid uint32) (rowCursor, error) {
	size := pe.RowSize(t)
	b, err := pe.ReadBytesAtOffset(pe.RowOffset(t, rid), size)
	if err != nil {
		return rowCursor{}, err
	}
	return rowCursor{pe: pe, row: b}, nil
}

// ModuleRow is table 0x00's single row: the module's own identity.
type ModuleRow struct {
	Generation uint16
	Name       uint32
	Mvid       uint32
	EncID      uint32
	EncBaseID  uint32
}

// ReadModuleRow reads the (always singular) Module table row.
func (pe *File) ReadModuleRow() (ModuleRow, error) {
	rc, err := pe.readRow(Module, 1)
	if err != nil {
		return ModuleRow{}, err
	}
	cols := schemas[Module]
	return ModuleRow{
		Generation: uint16(rc.readColumn(cols[0])),
		Name:       rc.readColumn(cols[1]),
		Mvid:       rc.readColumn(cols[2]),
		EncID:      rc.readColumn(cols[3]),
		EncBaseID:  rc.readColumn(cols[4]),
	}, nil
}

// TypeRefRow is one TypeRef table row: a reference to a type defined
// outside the current module.
type TypeRefRow struct {
	ResolutionScope CodedToken
	Name            uint32
	Namespace       uint32
}

// ReadTypeRefRow reads TypeRef row rid (1-based).
func (pe *File) ReadTypeRefRow(rid uint32) (TypeRefRow, error) {
	rc, err := pe.readRow(TypeRef, rid)
	if err != nil {
		return TypeRefRow{}, err
	}
	cols := schemas[TypeRef]
	scope, err := decodeCodedIndex(idxResolutionScope, rc.readColumn(cols[0]))
	if err != nil {
		return TypeRefRow{}, err
	}
	return TypeRefRow{
		ResolutionScope: scope,
		Name:            rc.readColumn(cols[1]),
		Namespace:       rc.readColumn(cols[2]),
	}, nil
}

// typeVisibilityMask is TypeAttributes' low 3 bits (§II.23.1.15).
const typeVisibilityMask = 0x7
const typeVisibilityPublic = 0x1

// TypeDefRow is one TypeDef table row: a type declared in this module.
type TypeDefRow struct {
	Flags     uint32
	Name      uint32
	Namespace uint32
	Extends   CodedToken
	FieldList uint32
	MethodList uint32
}

// IsPublic reports whether the type's visibility is Public (as opposed to
// NotPublic or one of the Nested* visibilities).
func (r TypeDefRow) IsPublic() bool {
	return r.Flags&typeVisibilityMask == typeVisibilityPublic
}

// MakeInternal clears the visibility bits to NotPublic, leaving every other
// TypeAttributes bit untouched.
func (r *TypeDefRow) MakeInternal() {
	r.Flags &^= typeVisibilityMask
}

// ReadTypeDefRow reads TypeDef row rid (1-based).
func (pe *File) ReadTypeDefRow(rid uint32) (TypeDefRow, error) {
	rc, err := pe.readRow(TypeDef, rid)
	if err != nil {
		return TypeDefRow{}, err
	}
	cols := schemas[TypeDef]
	flags := rc.readColumn(cols[0])
	name := rc.readColumn(cols[1])
	ns := rc.readColumn(cols[2])
	extends, err := decodeCodedIndex(idxTypeDefOrRef, rc.readColumn(cols[3]))
	if err != nil {
		return TypeDefRow{}, err
	}
	return TypeDefRow{
		Flags:      flags,
		Name:       name,
		Namespace:  ns,
		Extends:    extends,
		FieldList:  rc.readColumn(cols[4]),
		MethodList: rc.readColumn(cols[5]),
	}, nil
}

// MethodDefRow is one MethodDef table row.
type MethodDefRow struct {
	RVA        uint32
	ImplFlags  uint16
	Flags      uint16
	Name       uint32
	Signature  uint32
	ParamList  uint32
}

// ReadMethodDefRow reads MethodDef row rid (1-based).
func (pe *File) ReadMethodDefRow(rid uint32) (MethodDefRow, error) {
	rc, err := pe.readRow(MethodDef, rid)
	if err != nil {
		return MethodDefRow{}, err
	}
	cols := schemas[MethodDef]
	return MethodDefRow{
		RVA:       rc.readColumn(cols[0]),
		ImplFlags: uint16(rc.readColumn(cols[1])),
		Flags:     uint16(rc.readColumn(cols[2])),
		Name:      rc.readColumn(cols[3]),
		Signature: rc.readColumn(cols[4]),
		ParamList: rc.readColumn(cols[5]),
	}, nil
}

// MemberRefRow is one MemberRef table row: a reference to a field or method
// defined outside the current module.
type MemberRefRow struct {
	Class     CodedToken
	Name      uint32
	Signature uint32
}

// ReadMemberRefRow reads MemberRef row rid (1-based).
func (pe *File) ReadMemberRefRow(rid uint32) (MemberRefRow, error) {
	rc, err := pe.readRow(MemberRef, rid)
	if err != nil {
		return MemberRefRow{}, err
	}
	cols := schemas[MemberRef]
	class, err := decodeCodedIndex(idxMemberRefParent, rc.readColumn(cols[0]))
	if err != nil {
		return MemberRefRow{}, err
	}
	return MemberRefRow{
		Class:     class,
		Name:      rc.readColumn(cols[1]),
		Signature: rc.readColumn(cols[2]),
	}, nil
}

// CustomAttributeRow is one CustomAttribute table row.
type CustomAttributeRow struct {
	Parent CodedToken
	Type   CodedToken
	Value  uint32
}

// ReadCustomAttributeRow reads CustomAttribute row rid (1-based).
func (pe *File) ReadCustomAttributeRow(rid uint32) (CustomAttributeRow, error) {
	rc, err := pe.readRow(CustomAttribute, rid)
	if err != nil {
		return CustomAttributeRow{}, err
	}
	cols := schemas[CustomAttribute]
	parent, err := decodeCodedIndex(idxHasCustomAttribute, rc.readColumn(cols[0]))
	if err != nil {
		return CustomAttributeRow{}, err
	}
	typ, err := decodeCodedIndex(idxCustomAttributeType, rc.readColumn(cols[1]))
	if err != nil {
		return CustomAttributeRow{}, err
	}
	return CustomAttributeRow{
		Parent: parent,
		Type:   typ,
		Value:  rc.readColumn(cols[2]),
	}, nil
}

// AssemblyRow is the (at most singular) Assembly table row describing the
// module's own assembly identity.
type AssemblyRow struct {
	HashAlgID      uint32
	MajorVersion   uint16
	MinorVersion   uint16
	BuildNumber    uint16
	RevisionNumber uint16
	Flags          uint32
	PublicKey      uint32
	Name           uint32
	Culture        uint32
}

// ReadAssemblyRow reads the Assembly table's single row, if present.
func (pe *File) ReadAssemblyRow() (AssemblyRow, error) {
	rc, err := pe.readRow(Assembly, 1)
	if err != nil {
		return AssemblyRow{}, err
	}
	cols := schemas[Assembly]
	return AssemblyRow{
		HashAlgID:      rc.readColumn(cols[0]),
		MajorVersion:   uint16(rc.readColumn(cols[1])),
		MinorVersion:   uint16(rc.readColumn(cols[2])),
		BuildNumber:    uint16(rc.readColumn(cols[3])),
		RevisionNumber: uint16(rc.readColumn(cols[4])),
		Flags:          rc.readColumn(cols[5]),
		PublicKey:      rc.readColumn(cols[6]),
		Name:           rc.readColumn(cols[7]),
		Culture:        rc.readColumn(cols[8]),
	}, nil
}

// AssemblyRefRow is one AssemblyRef table row: a reference to an external
// assembly this module depends on.
type AssemblyRefRow struct {
	MajorVersion     uint16
	MinorVersion     uint16
	BuildNumber      uint16
	RevisionNumber   uint16
	Flags            uint32
	PublicKeyOrToken uint32
	Name             uint32
	Culture          uint32
	HashValue        uint32
}

// ReadAssemblyRefRow reads AssemblyRef row rid (1-based).
func (pe *File) ReadAssemblyRefRow(rid uint32) (AssemblyRefRow, error) {
	rc, err := pe.readRow(AssemblyRef, rid)
	if err != nil {
		return AssemblyRefRow{}, err
	}
	cols := schemas[AssemblyRef]
	return AssemblyRefRow{
		MajorVersion:     uint16(rc.readColumn(cols[0])),
		MinorVersion:     uint16(rc.readColumn(cols[1])),
		BuildNumber:      uint16(rc.readColumn(cols[2])),
		RevisionNumber:   uint16(rc.readColumn(cols[3])),
		Flags:            rc.readColumn(cols[4]),
		PublicKeyOrToken: rc.readColumn(cols[5]),
		Name:             rc.readColumn(cols[6]),
		Culture:          rc.readColumn(cols[7]),
		HashValue:        rc.readColumn(cols[8]),
	}, nil
}

// ReadString reads a NUL-terminated string from the #Strings heap at idx.
func (pe *File) ReadString(idx uint32) (string, error) {
	if idx == 0 {
		return "", nil
	}
	heap, err := pe.StreamBytes("#Strings")
	if err != nil || heap == nil {
		return "", err
	}
	if idx >= uint32(len(heap)) {
		return "", ErrOutsideBoundary
	}
	return trimNulString(heap[idx:]), nil
}

// ReadBlob reads a length-prefixed blob from the #Blob heap at idx, per the
// ECMA-335 §II.24.2.4 compressed-length encoding.
func (pe *File) ReadBlob(idx uint32) ([]byte, error) {
	if idx == 0 {
		return nil, nil
	}
	heap, err := pe.StreamBytes("#Blob")
	if err != nil || heap == nil {
		return nil, err
	}
	if idx >= uint32(len(heap)) {
		return nil, ErrOutsideBoundary
	}
	n, hdr := decodeBlobLength(heap[idx:])
	start := idx + hdr
	end := start + n
	if end > uint32(len(heap)) {
		return nil, ErrOutsideBoundary
	}
	return heap[start:end], nil
}

// decodeBlobLength decodes a compressed unsigned integer per §II.23.2: one
// byte if < 0x80, two if < 0x4000, four otherwise. Returns the decoded
// length and the number of header bytes consumed.
func decodeBlobLength(b []byte) (length, headerLen uint32) {
	if len(b) == 0 {
		return 0, 0
	}
	first := b[0]
	switch {
	case first&0x80 == 0:
		return uint32(first), 1
	case first&0xC0 == 0x80:
		return (uint32(first&0x3F) << 8) | uint32(b[1]), 2
	default:
		return (uint32(first&0x1F) << 24) | (uint32(b[1]) << 16) | (uint32(b[2]) << 8) | uint32(b[3]), 4
	}
}

// FindAssemblyRef returns the 1-based rid of the AssemblyRef row whose Name
// string matches name, or 0 if none does.
func (pe *File) FindAssemblyRef(name string) (uint32, error) {
	n := pe.RowCount(AssemblyRef)
	for rid := uint32(1); rid <= n; rid++ {
		row, err := pe.ReadAssemblyRefRow(rid)
		if err != nil {
			return 0, err
		}
		s, err := pe.ReadString(row.Name)
		if err != nil {
			return 0, err
		}
		if s == name {
			return rid, nil
		}
	}
	return 0, nil
}

// FindTypeRef returns the 1-based rid of the TypeRef row matching namespace
// and name, or 0 if none does.
func (pe *File) FindTypeRef(namespace, name string) (uint32, error) {
	n := pe.RowCount(TypeRef)
	for rid := uint32(1); rid <= n; rid++ {
		row, err := pe.ReadTypeRefRow(rid)
		if err != nil {
			return 0, err
		}
		gotName, err := pe.ReadString(row.Name)
		if err != nil {
			return 0, err
		}
		gotNS, err := pe.ReadString(row.Namespace)
		if err != nil {
			return 0, err
		}
		if gotName == name && gotNS == namespace {
			return rid, nil
		}
	}
	return 0, nil
}

// FindMemberRef returns the 1-based rid of the MemberRef row matching class
// and name, or 0 if none does.
func (pe *File) FindMemberRef(class CodedToken, name string) (uint32, error) {
	n := pe.RowCount(MemberRef)
	for rid := uint32(1); rid <= n; rid++ {
		row, err := pe.ReadMemberRefRow(rid)
		if err != nil {
			return 0, err
		}
		if row.Class != class {
			continue
		}
		gotName, err := pe.ReadString(row.Name)
		if err != nil {
			return 0, err
		}
		if gotName == name {
			return rid, nil
		}
	}
	return 0, nil
}
