// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrshade


// WriteStrategy selects how the PE Writer realizes a Plan's mutations.
type WriteStrategy int

const (
	// InPlacePatch changes only the bytes of already-present rows.
	InPlacePatch WriteStrategy = iota
	// MetadataRebuildInPlace emits a fresh metadata blob that still fits
	// inside the metadata section's existing raw-data padding.
	MetadataRebuildInPlace
	// MetadataRebuildGrowing emits a fresh metadata blob that requires the
	// metadata section, and every section after it, to grow.
	MetadataRebuildGrowing
)

// Plan accumulates every mutation requested against a File's metadata, and
// classifies how large a rewrite they require without touching any bytes
// until Save is called.
type Plan struct {
	pe *File

	modifiedAssembly    map[uint32]AssemblyRow
	modifiedAssemblyRef map[uint32]AssemblyRefRow
	modifiedTypeDef     map[uint32]TypeDefRow

	newCustomAttributes []CustomAttributeRow
	newTypeRefs         []TypeRefRow
	newMemberRefs       []MemberRefRow

	newStrings     map[string]uint32
	newStringOrder []string
	newBlobs       []plannedBlob

	nextStringIndex uint32
	nextBlobIndex   uint32
}

type plannedBlob struct {
	data  []byte
	index uint32
}

// NewPlan creates an empty Plan against an already-parsed File.
func NewPlan(pe *File) *Plan {
	return &Plan{
		pe:                   pe,
		modifiedAssembly:     make(map[uint32]AssemblyRow),
		modifiedAssemblyRef:  make(map[uint32]AssemblyRefRow),
		modifiedTypeDef:      make(map[uint32]TypeDefRow),
		newStrings:           make(map[string]uint32),
		nextStringIndex:      pe.StringHeapSize(),
		nextBlobIndex:        pe.BlobHeapSize(),
	}
}

// GetAssemblyRow returns the (possibly modified) Assembly row rid, falling
// back to the original image contents.
func (p *Plan) GetAssemblyRow(rid uint32) (AssemblyRow, error) {
	if r, ok := p.modifiedAssembly[rid]; ok {
		return r, nil
	}
	return p.pe.ReadAssemblyRow()
}

// GetAssemblyRefRow returns the (possibly modified) AssemblyRef row rid.
func (p *Plan) GetAssemblyRefRow(rid uint32) (AssemblyRefRow, error) {
	if r, ok := p.modifiedAssemblyRef[rid]; ok {
		return r, nil
	}
	return p.pe.ReadAssemblyRefRow(rid)
}

// GetTypeDefRow returns the (possibly modified) TypeDef row rid.
func (p *Plan) GetTypeDefRow(rid uint32) (TypeDefRow, error) {
	if r, ok := p.modifiedTypeDef[rid]; ok {
		return r, nil
	}
	return p.pe.ReadTypeDefRow(rid)
}

// SetAssemblyName rewrites the Assembly row's Name to a (possibly new)
// string.
func (p *Plan) SetAssemblyName(name string) error {
	row, err := p.GetAssemblyRow(1)
	if err != nil {
		return err
	}
	row.Name = p.GetOrAddString(name)
	p.modifiedAssembly[1] = row
	return nil
}

// SetAssemblyPublicKey rewrites the Assembly row's PublicKey blob.
func (p *Plan) SetAssemblyPublicKey(key []byte) error {
	row, err := p.GetAssemblyRow(1)
	if err != nil {
		return err
	}
	row.PublicKey = p.GetOrAddBlob(key)
	p.modifiedAssembly[1] = row
	return nil
}

// ClearStrongName zeroes the Assembly row's PublicKey blob index.
func (p *Plan) ClearStrongName() error {
	row, err := p.GetAssemblyRow(1)
	if err != nil {
		return err
	}
	row.PublicKey = 0
	p.modifiedAssembly[1] = row
	return nil
}

// RedirectAssemblyRef rewrites the AssemblyRef row whose Name matches
// sourceName to targetName and (if non-nil) token. Returns false if no row
// matches sourceName.
func (p *Plan) RedirectAssemblyRef(sourceName, targetName string, token []byte) (bool, error) {
	rid, err := p.pe.FindAssemblyRef(sourceName)
	if err != nil {
		return false, err
	}
	if rid == 0 {
		return false, nil
	}
	row, err := p.GetAssemblyRefRow(rid)
	if err != nil {
		return false, err
	}
	row.Name = p.GetOrAddString(targetName)
	if token != nil {
		row.PublicKeyOrToken = p.GetOrAddBlob(token)
	}
	p.modifiedAssemblyRef[rid] = row
	return true, nil
}

// MakeTypesInternal clears the visibility bits of every public TypeDef row.
func (p *Plan) MakeTypesInternal() error {
	n := p.pe.RowCount(TypeDef)
	for rid := uint32(1); rid <= n; rid++ {
		row, err := p.GetTypeDefRow(rid)
		if err != nil {
			return err
		}
		if !row.IsPublic() {
			continue
		}
		row.MakeInternal()
		p.modifiedTypeDef[rid] = row
	}
	return nil
}

// AddCustomAttribute appends a new CustomAttribute row.
func (p *Plan) AddCustomAttribute(row CustomAttributeRow) {
	p.newCustomAttributes = append(p.newCustomAttributes, row)
}

// AddTypeRef appends a new TypeRef row and returns its assigned rid.
func (p *Plan) AddTypeRef(row TypeRefRow) uint32 {
	p.newTypeRefs = append(p.newTypeRefs, row)
	return p.pe.RowCount(TypeRef) + uint32(len(p.newTypeRefs))
}

// AddMemberRef appends a new MemberRef row and returns its assigned rid.
func (p *Plan) AddMemberRef(row MemberRefRow) uint32 {
	p.newMemberRefs = append(p.newMemberRefs, row)
	return p.pe.RowCount(MemberRef) + uint32(len(p.newMemberRefs))
}

// GetOrAddString returns 0 for an empty string; otherwise the heap index of
// s, assigning and appending it to newStrings if it is not already present.
func (p *Plan) GetOrAddString(s string) uint32 {
	if s == "" {
		return 0
	}
	if idx, ok := p.newStrings[s]; ok {
		return idx
	}
	idx := p.nextStringIndex
	p.newStrings[s] = idx
	p.newStringOrder = append(p.newStringOrder, s)
	p.nextStringIndex = idx + uint32(len(s)) + 1
	return idx
}

// GetOrAddBlob returns 0 for an empty blob; otherwise assigns the next
// blob-heap index and appends it to newBlobs.
func (p *Plan) GetOrAddBlob(b []byte) uint32 {
	if len(b) == 0 {
		return 0
	}
	idx := p.nextBlobIndex
	p.newBlobs = append(p.newBlobs, plannedBlob{data: b, index: idx})
	p.nextBlobIndex = idx + compressedLengthSize(uint32(len(b))) + uint32(len(b))
	return idx
}

// compressedLengthSize returns how many header bytes encoding n as a
// compressed unsigned integer (§II.23.2) requires.
func compressedLengthSize(n uint32) uint32 {
	switch {
	case n < 0x80:
		return 1
	case n < 0x4000:
		return 2
	default:
		return 4
	}
}

// EstimateNewMetadataSize estimates the size of the metadata blob the
// writer would emit for this plan: the old size plus the bytes the plan
// adds. It does not count the padding that rounds each grown stream up to
// a multiple of 4, so the emitted blob can exceed it by up to 3 bytes per
// grown stream.
func (p *Plan) EstimateNewMetadataSize() uint32 {
	size := p.pe.CLR.MetadataSize

	for _, s := range p.newStringOrder {
		size += uint32(len(s)) + 1
	}
	for _, b := range p.newBlobs {
		size += uint32(len(b.data)) + 4
	}

	size += uint32(len(p.newTypeRefs)) * p.pe.RowSize(TypeRef)
	size += uint32(len(p.newMemberRefs)) * p.pe.RowSize(MemberRef)
	size += uint32(len(p.newCustomAttributes)) * p.pe.RowSize(CustomAttribute)

	return size
}

// finalStringIndexSize returns the heap-index width the writer must use for
// string-heap references, never narrower than the original.
func (p *Plan) finalStringIndexSize() uint32 {
	original := p.pe.CLR.StringHeapIndexSize
	if p.nextStringIndex >= 1<<16 {
		return Max(original, 4)
	}
	return original
}

// finalBlobIndexSize returns the heap-index width the writer must use for
// blob-heap references, never narrower than the original.
func (p *Plan) finalBlobIndexSize() uint32 {
	original := p.pe.CLR.BlobHeapIndexSize
	if p.nextBlobIndex >= 1<<16 {
		return Max(original, 4)
	}
	return original
}

// finalGUIDIndexSize is always the original width: GUIDs are never added.
func (p *Plan) finalGUIDIndexSize() uint32 { return p.pe.CLR.GUIDHeapIndexSize }

// hasNewRows reports whether the plan adds any row, string, or blob.
func (p *Plan) hasNewRows() bool {
	return len(p.newTypeRefs) > 0 || len(p.newMemberRefs) > 0 ||
		len(p.newCustomAttributes) > 0 || len(p.newStringOrder) > 0 || len(p.newBlobs) > 0
}

// GetStrategy classifies how large a rewrite this plan requires, per the
// size thresholds against the metadata section's existing raw-data
// padding.
func (p *Plan) GetStrategy() WriteStrategy {
	if !p.hasNewRows() {
		return InPlacePatch
	}

	section := p.pe.SectionContainingRva(p.pe.CLR.MetadataRVA)
	if section == nil {
		return MetadataRebuildGrowing
	}

	available := section.Header.SizeOfRawData -
		(p.pe.CLR.MetadataRVA - section.Header.VirtualAddress) -
		p.pe.CLR.MetadataSize
	estimated := p.EstimateNewMetadataSize()

	if estimated <= p.pe.CLR.MetadataSize+available {
		return MetadataRebuildInPlace
	}
	return MetadataRebuildGrowing
}
