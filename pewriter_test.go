package clrshade

import "testing"

func TestRenderInPlacePatchClearStrongName(t *testing.T) {
	pe := openFixture(t)
	plan := NewPlan(pe)
	if err := plan.ClearStrongName(); err != nil {
		t.Fatalf("ClearStrongName: %v", err)
	}

	out, err := NewWriter(pe, plan).Render()
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if uint32(len(out)) != pe.Size() {
		t.Fatalf("in-place patch changed file size: %d != %d", len(out), pe.Size())
	}

	reparsed, err := OpenBytes(out, &Options{})
	if err != nil {
		t.Fatalf("OpenBytes(rendered): %v", err)
	}
	defer reparsed.Close()

	asm, err := reparsed.ReadAssemblyRow()
	if err != nil {
		t.Fatalf("ReadAssemblyRow: %v", err)
	}
	if asm.PublicKey != 0 {
		t.Fatalf("PublicKey = %d, want 0", asm.PublicKey)
	}
}

func TestRenderRebuildGrowingRenamesAssembly(t *testing.T) {
	pe := openFixture(t)
	plan := NewPlan(pe)
	if err := plan.SetAssemblyName("ShadedAssembly"); err != nil {
		t.Fatalf("SetAssemblyName: %v", err)
	}
	if plan.GetStrategy() != MetadataRebuildGrowing {
		t.Fatalf("GetStrategy = %v, want MetadataRebuildGrowing", plan.GetStrategy())
	}

	out, err := NewWriter(pe, plan).Render()
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if uint32(len(out)) <= pe.Size() {
		t.Fatalf("growing rebuild did not grow: %d <= %d", len(out), pe.Size())
	}

	reparsed, err := OpenBytes(out, &Options{})
	if err != nil {
		t.Fatalf("OpenBytes(rendered): %v", err)
	}
	defer reparsed.Close()

	asm, err := reparsed.ReadAssemblyRow()
	if err != nil {
		t.Fatalf("ReadAssemblyRow: %v", err)
	}
	name, err := reparsed.ReadString(asm.Name)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if name != "ShadedAssembly" {
		t.Fatalf("assembly name = %q, want ShadedAssembly", name)
	}

	// The type graph should have survived the rebuild untouched.
	myClass, err := reparsed.ReadTypeDefRow(2)
	if err != nil {
		t.Fatalf("ReadTypeDefRow(2): %v", err)
	}
	className, _ := reparsed.ReadString(myClass.Name)
	if className != "MyClass" {
		t.Fatalf("TypeDef(2).Name = %q, want MyClass", className)
	}
}

func TestRenderRebuildGrowingAddsInternalsVisibleTo(t *testing.T) {
	pe := openFixture(t)
	plan := NewPlan(pe)

	scopeRid, err := pe.FindAssemblyRef("mscorlib")
	if err != nil || scopeRid == 0 {
		t.Fatalf("FindAssemblyRef(mscorlib) = (%d, %v)", scopeRid, err)
	}
	typeRefRid := plan.AddTypeRef(TypeRefRow{
		ResolutionScope: CodedToken{Table: AssemblyRef, Rid: scopeRid},
		Name:            plan.GetOrAddString("InternalsVisibleToAttribute"),
		Namespace:       plan.GetOrAddString("System.Runtime.CompilerServices"),
	})
	ctorRid := plan.AddMemberRef(MemberRefRow{
		Class:     CodedToken{Table: TypeRef, Rid: typeRefRid},
		Name:      plan.GetOrAddString(".ctor"),
		Signature: plan.GetOrAddBlob([]byte{0x20, 0x01, 0x01, 0x0E}),
	})
	plan.AddCustomAttribute(CustomAttributeRow{
		Parent: CodedToken{Table: Assembly, Rid: 1},
		Type:   CodedToken{Table: MemberRef, Rid: ctorRid},
		Value:  plan.GetOrAddBlob(encodeInternalsVisibleToValue("FriendAssembly")),
	})

	out, err := NewWriter(pe, plan).Render()
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	reparsed, err := OpenBytes(out, &Options{})
	if err != nil {
		t.Fatalf("OpenBytes(rendered): %v", err)
	}
	defer reparsed.Close()

	if n := reparsed.RowCount(CustomAttribute); n != 1 {
		t.Fatalf("RowCount(CustomAttribute) = %d, want 1", n)
	}
	ca, err := reparsed.ReadCustomAttributeRow(1)
	if err != nil {
		t.Fatalf("ReadCustomAttributeRow: %v", err)
	}
	if ca.Parent != (CodedToken{Table: Assembly, Rid: 1}) {
		t.Fatalf("Parent = %+v", ca.Parent)
	}
	value, err := reparsed.ReadBlob(ca.Value)
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	if len(value) < 2 || value[0] != 0x01 || value[1] != 0x00 {
		t.Fatalf("attribute blob prolog = % x, want 01 00 ...", value)
	}
}
