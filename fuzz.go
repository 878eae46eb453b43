package clrshade

// Fuzz parses data as a managed PE image and walks every metadata table row
// this package has a codec for, following the legacy go-fuzz convention:
// data that makes the harness more interesting to keep returns 1, anything
// rejected or uninteresting returns 0.
func Fuzz(data []byte) int {
	pe, err := OpenBytes(data, &Options{})
	if err != nil {
		return 0
	}
	defer pe.Close()

	if walkTables(pe) != nil {
		return 0
	}
	return 1
}

func walkTables(pe *File) error {
	if pe.HasTable(Module) {
		if _, err := pe.ReadModuleRow(); err != nil {
			return err
		}
	}
	if pe.HasTable(Assembly) {
		if _, err := pe.ReadAssemblyRow(); err != nil {
			return err
		}
	}

	n := pe.RowCount(TypeRef)
	for rid := uint32(1); rid <= n; rid++ {
		row, err := pe.ReadTypeRefRow(rid)
		if err != nil {
			return err
		}
		if _, err := pe.ReadString(row.Name); err != nil {
			return err
		}
	}

	n = pe.RowCount(TypeDef)
	for rid := uint32(1); rid <= n; rid++ {
		if _, err := pe.ReadTypeDefRow(rid); err != nil {
			return err
		}
	}

	n = pe.RowCount(MethodDef)
	for rid := uint32(1); rid <= n; rid++ {
		if _, err := pe.ReadMethodDefRow(rid); err != nil {
			return err
		}
	}

	n = pe.RowCount(MemberRef)
	for rid := uint32(1); rid <= n; rid++ {
		row, err := pe.ReadMemberRefRow(rid)
		if err != nil {
			return err
		}
		if _, err := pe.ReadBlob(row.Signature); err != nil {
			return err
		}
	}

	n = pe.RowCount(CustomAttribute)
	for rid := uint32(1); rid <= n; rid++ {
		row, err := pe.ReadCustomAttributeRow(rid)
		if err != nil {
			return err
		}
		if _, err := pe.ReadBlob(row.Value); err != nil {
			return err
		}
	}

	n = pe.RowCount(AssemblyRef)
	for rid := uint32(1); rid <= n; rid++ {
		if _, err := pe.ReadAssemblyRefRow(rid); err != nil {
			return err
		}
	}

	return nil
}
