// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrshade

// Optional-header field offsets relative to the start of the optional
// header. These are identical between PE32 and PE32+ except for the data
// directory array, because IMAGE_OPTIONAL_HEADER64 widens ImageBase and the
// stack/heap reserve/commit fields but drops BaseOfData, which cancels out
// everywhere except after the 32/64-bit reserve/commit block.
const (
	optCheckSumRelOffset         = 64
	optAddressOfEntryPointOffset = 16
	dataDirArrayOffset32         = 96
	dataDirArrayOffset64         = 112
)

// CLI header field offsets relative to the start of the 72-byte header.
const (
	cliMetaDataOffset            = 8
	cliMetaDataSizeOffset        = 12
	cliResourcesOffset           = 24
	cliStrongNameSignatureOffset = 32
)

// Section header field offsets relative to the start of the 40-byte record.
const (
	sectionVirtualSizeOffset    = 8
	sectionVirtualAddressOffset = 12
	sectionSizeOfRawDataOffset  = 16
	sectionPointerToRawDataOffset = 20
)

// Writer emits a PE image reflecting a Plan's mutations.
type Writer struct {
	pe   *File
	plan *Plan
}

// NewWriter pairs a File with the Plan describing the edits to apply to it.
func NewWriter(pe *File, plan *Plan) *Writer {
	return &Writer{pe: pe, plan: plan}
}

// Render produces the full output image as an in-memory buffer, dispatching
// on the plan's strategy.
func (w *Writer) Render() ([]byte, error) {
	switch w.plan.GetStrategy() {
	case InPlacePatch:
		return w.renderInPlacePatch()
	default:
		return w.renderRebuild()
	}
}

func (w *Writer) renderInPlacePatch() ([]byte, error) {
	pe := w.pe
	out, err := pe.ReadBytesAt(0, pe.Size())
	if err != nil {
		return nil, err
	}

	for rid, row := range w.plan.modifiedAssembly {
		copy(out[pe.RowOffset(Assembly, rid):], w.plan.encodeAssemblyRow(row))
	}
	for rid, row := range w.plan.modifiedAssemblyRef {
		copy(out[pe.RowOffset(AssemblyRef, rid):], w.plan.encodeAssemblyRefRow(row))
	}
	for rid, row := range w.plan.modifiedTypeDef {
		b, err := w.plan.encodeTypeDefRow(row)
		if err != nil {
			return nil, err
		}
		copy(out[pe.RowOffset(TypeDef, rid):], b)
	}

	return out, nil
}

func (w *Writer) renderRebuild() ([]byte, error) {
	pe := w.pe
	plan := w.plan

	s := pe.SectionContainingRva(pe.CLR.MetadataRVA)
	if s == nil {
		return nil, &InvalidImageError{Reason: "metadata RVA does not resolve to any section"}
	}
	sHeader := s.Header

	oldMDSize := pe.CLR.MetadataSize
	newMD, err := plan.EmitMetadata()
	if err != nil {
		return nil, err
	}
	newMDSize := uint32(len(newMD))
	sizeDiff := int64(newMDSize) - int64(oldMDSize)
	oldMetadataRvaEnd := pe.CLR.MetadataRVA + oldMDSize

	oldRawSize := sHeader.SizeOfRawData
	newVirtualSize := int64(sHeader.VirtualSize) + sizeDiff

	var newRawSize uint32
	var rawSizeDiff int64
	if newVirtualSize <= int64(oldRawSize) {
		newRawSize = oldRawSize
	} else {
		newRawSize = alignUp(uint32(newVirtualSize), pe.FileAlignment())
		rawSizeDiff = int64(newRawSize) - int64(oldRawSize)
	}

	var vaShift uint32
	if rawSizeDiff > 0 {
		oldEnd := sHeader.VirtualAddress + sHeader.VirtualSize
		newEnd := uint32(int64(oldEnd) + sizeDiff)
		vaShift = alignUp(newEnd, pe.SectionAlignment()) - alignUp(oldEnd, pe.SectionAlignment())
	}

	out, err := w.layoutSections(sHeader, newMD, oldMDSize, newRawSize, rawSizeDiff)
	if err != nil {
		return nil, err
	}

	w.patchSectionHeaders(out, s, sizeDiff, newRawSize, vaShift, rawSizeDiff)
	w.patchDataDirectories(out, sHeader, oldMetadataRvaEnd, sizeDiff, vaShift)
	w.patchEntryPoint(out, sHeader, oldMetadataRvaEnd, sizeDiff)
	w.patchCLIHeader(out, newMDSize, sHeader, oldMetadataRvaEnd, sizeDiff)
	if err := w.patchImportDirectory(out, sHeader, oldMetadataRvaEnd, sizeDiff); err != nil {
		return nil, err
	}
	w.patchDebugDirectory(out, sHeader, oldMetadataRvaEnd, sizeDiff)
	w.patchBaseRelocations(out, sHeader, oldMetadataRvaEnd, sizeDiff)
	if err := w.patchMethodDefRVAs(out, sHeader, oldMetadataRvaEnd, sizeDiff); err != nil {
		return nil, err
	}
	w.zeroStrongNameSignature(out)

	return out, nil
}

// layoutSections builds the output buffer: header region verbatim, then
// each section in file order, with S's raw data replaced by
// pre||newMD||post and every later section's file offset shifted by
// rawSizeDiff.
func (w *Writer) layoutSections(s ImageSectionHeader, newMD []byte, oldMDSize, newRawSize uint32, rawSizeDiff int64) ([]byte, error) {
	pe := w.pe

	firstSectionOffset := s.PointerToRawData
	for i := range pe.Sections {
		if pe.Sections[i].Header.PointerToRawData < firstSectionOffset {
			firstSectionOffset = pe.Sections[i].Header.PointerToRawData
		}
	}

	header, err := pe.ReadBytesAt(0, firstSectionOffset)
	if err != nil {
		return nil, err
	}
	out := append([]byte{}, header...)

	for i := range pe.Sections {
		sec := pe.Sections[i].Header
		targetOffset := sec.PointerToRawData
		if sec.PointerToRawData > s.PointerToRawData {
			targetOffset = uint32(int64(sec.PointerToRawData) + rawSizeDiff)
		}
		if uint32(len(out)) < targetOffset {
			out = append(out, make([]byte, targetOffset-uint32(len(out)))...)
		}

		if sec.PointerToRawData == s.PointerToRawData && sec.VirtualAddress == s.VirtualAddress {
			mdOffsetInSection := pe.CLR.MetadataFileOffset - s.PointerToRawData
			pre, err := pe.ReadBytesAt(s.PointerToRawData, mdOffsetInSection)
			if err != nil {
				return nil, err
			}
			postStart := pe.CLR.MetadataFileOffset + oldMDSize
			postEnd := s.PointerToRawData + s.SizeOfRawData
			var post []byte
			if postEnd > postStart {
				post, err = pe.ReadBytesAt(postStart, postEnd-postStart)
				if err != nil {
					return nil, err
				}
			}
			out = append(out, pre...)
			out = append(out, newMD...)
			out = append(out, post...)
			if uint32(len(out))-targetOffset < newRawSize {
				out = append(out, make([]byte, newRawSize-(uint32(len(out))-targetOffset))...)
			}
			continue
		}

		raw, err := pe.ReadBytesAt(sec.PointerToRawData, sec.SizeOfRawData)
		if err != nil {
			return nil, err
		}
		out = append(out, raw...)
	}

	return out, nil
}

func (w *Writer) dataDirArrayOffset() uint32 {
	if w.pe.Is64 {
		return dataDirArrayOffset64
	}
	return dataDirArrayOffset32
}

// shiftIfAtOrAfter applies sizeDiff to rva when it lies within [sStart,
// sEnd) and at or after oldMetadataRvaEnd, per §4.7e's membership rule.
func shiftIfAtOrAfter(rva, sStart, sEnd, oldMetadataRvaEnd uint32, sizeDiff int64) (uint32, bool) {
	if rva == 0 || rva < sStart || rva >= sEnd || rva < oldMetadataRvaEnd {
		return rva, false
	}
	return uint32(int64(rva) + sizeDiff), true
}

func (w *Writer) patchSectionHeaders(out []byte, s *Section, sizeDiff int64, newRawSize, vaShift uint32, rawSizeDiff int64) {
	pe := w.pe
	base := pe.SectionHeadersOffset()

	sOffset := base + uint32(s.Index)*40
	newVirtualSize := uint32(int64(s.Header.VirtualSize) + sizeDiff)
	putUint32(out, sOffset+sectionVirtualSizeOffset, newVirtualSize)
	putUint32(out, sOffset+sectionSizeOfRawDataOffset, newRawSize)

	for i := range pe.Sections {
		if i == s.Index {
			continue
		}
		sec := pe.Sections[i].Header
		offset := base + uint32(i)*40
		if sec.VirtualAddress > s.Header.VirtualAddress && vaShift > 0 {
			putUint32(out, offset+sectionVirtualAddressOffset, sec.VirtualAddress+vaShift)
		}
		if rawSizeDiff != 0 && sec.PointerToRawData > s.Header.PointerToRawData {
			putUint32(out, offset+sectionPointerToRawDataOffset, uint32(int64(sec.PointerToRawData)+rawSizeDiff))
		}
	}
}

func (w *Writer) patchDataDirectories(out []byte, s ImageSectionHeader, oldMetadataRvaEnd uint32, sizeDiff int64, vaShift uint32) {
	pe := w.pe
	optOffset := pe.OptionalHeaderOffset()
	dirArrayOffset := optOffset + w.dataDirArrayOffset()

	if vaShift > 0 {
		sizeOfImageOffset := optOffset + 0x38
		putUint32(out, sizeOfImageOffset, readUint32At(out, sizeOfImageOffset)+vaShift)

		for _, i := range []int{int(ImageDirectoryEntryResource), int(ImageDirectoryEntryBaseReloc)} {
			entryOffset := dirArrayOffset + uint32(i)*8
			rva := readUint32At(out, entryOffset)
			if rva != 0 && rva >= s.VirtualAddress+s.VirtualSize {
				putUint32(out, entryOffset, rva+vaShift)
			}
		}
	}

	sEnd := s.VirtualAddress + s.VirtualSize
	for i := 0; i < 16; i++ {
		entryOffset := dirArrayOffset + uint32(i)*8
		rva := readUint32At(out, entryOffset)
		if newRva, ok := shiftIfAtOrAfter(rva, s.VirtualAddress, sEnd, oldMetadataRvaEnd, sizeDiff); ok {
			putUint32(out, entryOffset, newRva)
		}
	}
}

func (w *Writer) patchEntryPoint(out []byte, s ImageSectionHeader, oldMetadataRvaEnd uint32, sizeDiff int64) {
	pe := w.pe
	optOffset := pe.OptionalHeaderOffset()
	epOffset := optOffset + optAddressOfEntryPointOffset
	rva := readUint32At(out, epOffset)
	sEnd := s.VirtualAddress + s.VirtualSize

	newRva, patched := shiftIfAtOrAfter(rva, s.VirtualAddress, sEnd, oldMetadataRvaEnd, sizeDiff)
	if !patched {
		return
	}
	putUint32(out, epOffset, newRva)

	if !pe.Is64 {
		return
	}
	stubOffset := s.PointerToRawData + (newRva - s.VirtualAddress)
	if uint64(stubOffset)+6 > uint64(len(out)) {
		return
	}
	if out[stubOffset] == 0xFF && out[stubOffset+1] == 0x25 {
		disp := readUint32At(out, stubOffset+2)
		putUint32(out, stubOffset+2, uint32(int64(disp)-sizeDiff))
	}
}

func (w *Writer) patchCLIHeader(out []byte, newMDSize uint32, s ImageSectionHeader, oldMetadataRvaEnd uint32, sizeDiff int64) {
	cliOffset := w.pe.CLIHeaderFileOffset()
	putUint32(out, cliOffset+cliMetaDataSizeOffset, newMDSize)

	sEnd := s.VirtualAddress + s.VirtualSize

	resOffset := cliOffset + cliResourcesOffset
	if rva, ok := shiftIfAtOrAfter(readUint32At(out, resOffset), s.VirtualAddress, sEnd, oldMetadataRvaEnd, sizeDiff); ok {
		putUint32(out, resOffset, rva)
	}

	snOffset := cliOffset + cliStrongNameSignatureOffset
	if rva, ok := shiftIfAtOrAfter(readUint32At(out, snOffset), s.VirtualAddress, sEnd, oldMetadataRvaEnd, sizeDiff); ok {
		putUint32(out, snOffset, rva)
	}
}

const maxPatchedThunks = 4096

func (w *Writer) patchImportDirectory(out []byte, s ImageSectionHeader, oldMetadataRvaEnd uint32, sizeDiff int64) error {
	pe := w.pe
	rva, _ := pe.dataDirectory(ImageDirectoryEntryImport)
	sEnd := s.VirtualAddress + s.VirtualSize
	if rva == 0 || rva < s.VirtualAddress || rva >= sEnd || rva < oldMetadataRvaEnd {
		return nil
	}

	thunkWidth := uint32(4)
	ordinalFlag := ordinalFlag32
	if pe.Is64 {
		thunkWidth = 8
		ordinalFlag = ordinalFlag64
	}

	offset := s.PointerToRawData + (rva - s.VirtualAddress)
	for i := uint32(0); i < pe.opts.MaxImportDescriptors; i++ {
		if uint64(offset)+imageImportDescriptorSize > uint64(len(out)) {
			break
		}
		d := ImageImportDescriptor{
			OriginalFirstThunk: readUint32At(out, offset),
			TimeDateStamp:      readUint32At(out, offset+4),
			ForwarderChain:     readUint32At(out, offset+8),
			Name:               readUint32At(out, offset+12),
			FirstThunk:         readUint32At(out, offset+16),
		}
		if d.isNull() {
			break
		}

		if v, ok := shiftIfAtOrAfter(d.OriginalFirstThunk, s.VirtualAddress, sEnd, oldMetadataRvaEnd, sizeDiff); ok {
			putUint32(out, offset, v)
		}
		if v, ok := shiftIfAtOrAfter(d.Name, s.VirtualAddress, sEnd, oldMetadataRvaEnd, sizeDiff); ok {
			putUint32(out, offset+12, v)
		}
		if v, ok := shiftIfAtOrAfter(d.FirstThunk, s.VirtualAddress, sEnd, oldMetadataRvaEnd, sizeDiff); ok {
			putUint32(out, offset+16, v)
		}

		w.patchThunkTable(out, d.OriginalFirstThunk, s, oldMetadataRvaEnd, sizeDiff, thunkWidth, ordinalFlag)
		w.patchThunkTable(out, d.FirstThunk, s, oldMetadataRvaEnd, sizeDiff, thunkWidth, ordinalFlag)

		offset += imageImportDescriptorSize
	}
	return nil
}

func (w *Writer) patchThunkTable(out []byte, thunkRva uint32, s ImageSectionHeader, oldMetadataRvaEnd uint32, sizeDiff int64, width uint32, ordinalFlag uint64) {
	pe := w.pe
	sEnd := s.VirtualAddress + s.VirtualSize
	if thunkRva == 0 || thunkRva < s.VirtualAddress || thunkRva >= sEnd {
		return
	}
	offset := s.PointerToRawData + (thunkRva - s.VirtualAddress)
	for i := 0; i < maxPatchedThunks; i++ {
		if uint64(offset)+uint64(width) > uint64(len(out)) {
			return
		}
		var raw uint64
		if width == 8 {
			raw = readUint64At(out, offset)
		} else {
			raw = uint64(readUint32At(out, offset))
		}
		if raw == 0 {
			return
		}
		if raw&ordinalFlag != 0 {
			offset += width
			continue
		}
		hintNameRva := uint32(raw)
		if v, ok := shiftIfAtOrAfter(hintNameRva, s.VirtualAddress, sEnd, oldMetadataRvaEnd, sizeDiff); ok {
			if width == 8 {
				putUint64At(out, offset, uint64(v))
			} else {
				putUint32(out, offset, v)
			}
		}
		offset += width
	}
}

func (w *Writer) patchDebugDirectory(out []byte, s ImageSectionHeader, oldMetadataRvaEnd uint32, sizeDiff int64) {
	pe := w.pe
	rva, size := pe.dataDirectory(ImageDirectoryEntryDebug)
	sEnd := s.VirtualAddress + s.VirtualSize
	if rva == 0 || rva < s.VirtualAddress || rva >= sEnd || rva < oldMetadataRvaEnd {
		return
	}

	offset := s.PointerToRawData + (rva - s.VirtualAddress)
	count := size / imageDebugDirectorySize
	for i := uint32(0); i < count; i++ {
		entryOffset := offset + i*imageDebugDirectorySize
		if uint64(entryOffset)+imageDebugDirectorySize > uint64(len(out)) {
			break
		}
		addrOffset := entryOffset + 20
		ptrOffset := entryOffset + 24
		if v, ok := shiftIfAtOrAfter(readUint32At(out, addrOffset), s.VirtualAddress, sEnd, oldMetadataRvaEnd, sizeDiff); ok {
			putUint32(out, addrOffset, v)
		}
		if readUint32At(out, ptrOffset) >= s.PointerToRawData {
			putUint32(out, ptrOffset, uint32(int64(readUint32At(out, ptrOffset))+sizeDiff))
		}
	}
}

func (w *Writer) patchBaseRelocations(out []byte, s ImageSectionHeader, oldMetadataRvaEnd uint32, sizeDiff int64) {
	pe := w.pe
	rva, size := pe.dataDirectory(ImageDirectoryEntryBaseReloc)
	if rva == 0 || size == 0 {
		return
	}
	sEnd := s.VirtualAddress + s.VirtualSize
	if rva < s.VirtualAddress || rva >= sEnd {
		return
	}

	blockOffset := s.PointerToRawData + (rva - s.VirtualAddress)
	end := blockOffset + size
	maxEntries := pe.opts.MaxRelocEntriesCount

	for blockOffset < end {
		if uint64(blockOffset)+imageBaseRelocationBlockSize > uint64(len(out)) {
			break
		}
		pageRva := readUint32At(out, blockOffset)
		blockSize := readUint32At(out, blockOffset+4)
		if blockSize < imageBaseRelocationBlockSize {
			break
		}
		entryCount := (blockSize - imageBaseRelocationBlockSize) / 2
		if entryCount > maxEntries {
			entryCount = maxEntries
		}

		if pageRva >= s.VirtualAddress && pageRva < sEnd &&
			pageRva+4096 > oldMetadataRvaEnd {
			for i := uint32(0); i < entryCount; i++ {
				entryOffset := blockOffset + imageBaseRelocationBlockSize + i*2
				entry := readUint16At(out, entryOffset)
				typ := relocEntryType(entry)
				if typ == relocTypeAbsolute {
					continue
				}
				off := relocEntryOffset(entry)
				entryRva := pageRva + uint32(off)
				if entryRva < oldMetadataRvaEnd {
					continue
				}
				newOff := int64(off) + sizeDiff
				if newOff < 0 || newOff > 0x0FFF {
					continue
				}
				putUint16(out, entryOffset, makeRelocEntry(typ, uint16(newOff)))
			}
		}

		blockOffset += blockSize
	}
}

// patchMethodDefRVAs rewrites every MethodDef.RVA that falls inside S at or
// after the old metadata end, per §4.7k.
func (w *Writer) patchMethodDefRVAs(out []byte, s ImageSectionHeader, oldMetadataRvaEnd uint32, sizeDiff int64) error {
	pe := w.pe
	n := pe.RowCount(MethodDef)
	if n == 0 {
		return nil
	}

	prePreludeShift := uint32(len(w.plan.newTypeRefs)) * pe.RowSize(TypeRef)
	rowSize := pe.RowSize(MethodDef)

	newTableOffset := s.PointerToRawData + (pe.CLR.MetadataRVA - s.VirtualAddress) +
		oldTableOffsetWithinMetadata(pe) + prePreludeShift

	sEnd := s.VirtualAddress + s.VirtualSize

	for rid := uint32(1); rid <= n; rid++ {
		rowOffset := newTableOffset + (rid-1)*rowSize
		if uint64(rowOffset)+uint64(rowSize) > uint64(len(out)) {
			return &InvalidImageError{Reason: "MethodDef row falls outside rebuilt metadata section"}
		}
		rva := readUint32At(out, rowOffset)
		if v, ok := shiftIfAtOrAfter(rva, s.VirtualAddress, sEnd, oldMetadataRvaEnd, sizeDiff); ok {
			putUint32(out, rowOffset, v)
		}
	}
	return nil
}

// oldTableOffsetWithinMetadata returns the MethodDef table's byte offset
// within the ORIGINAL metadata blob (header + stream directory + preceding
// table rows), used to locate the rebuilt table before prePreludeShift is
// applied.
func oldTableOffsetWithinMetadata(pe *File) uint32 {
	tableHeapBase := pe.tableDataBase()
	return (tableHeapBase - pe.CLR.MetadataFileOffset) + pe.CLR.tableOffsets[MethodDef]
}

func (w *Writer) zeroStrongNameSignature(out []byte) {
	pe := w.pe
	cliOffset := w.pe.CLIHeaderFileOffset()
	snRva := readUint32At(out, cliOffset+cliStrongNameSignatureOffset)
	snSize := readUint32At(out, cliOffset+cliStrongNameSignatureOffset+4)
	if snRva == 0 || snSize == 0 {
		return
	}
	s := pe.SectionContainingRva(snRva)
	if s == nil {
		return
	}
	offset := s.Header.PointerToRawData + (snRva - s.Header.VirtualAddress)
	if uint64(offset)+uint64(snSize) > uint64(len(out)) {
		return
	}
	for i := uint32(0); i < snSize; i++ {
		out[offset+i] = 0
	}
}

func readUint64At(b []byte, offset uint32) uint64 {
	_ = b[offset+7]
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[offset+uint32(i)]) << (8 * i)
	}
	return v
}

func putUint64At(b []byte, offset uint32, v uint64) {
	for i := 0; i < 8; i++ {
		b[offset+uint32(i)] = byte(v >> (8 * i))
	}
}
