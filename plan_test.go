package clrshade

import "testing"

func TestPlanClearStrongNameIsInPlacePatch(t *testing.T) {
	pe := openFixture(t)
	plan := NewPlan(pe)

	if err := plan.ClearStrongName(); err != nil {
		t.Fatalf("ClearStrongName: %v", err)
	}
	if got := plan.GetStrategy(); got != InPlacePatch {
		t.Fatalf("GetStrategy = %v, want InPlacePatch", got)
	}

	row, err := plan.GetAssemblyRow(1)
	if err != nil {
		t.Fatalf("GetAssemblyRow: %v", err)
	}
	if row.PublicKey != 0 {
		t.Fatalf("PublicKey = %d, want 0", row.PublicKey)
	}
}

func TestPlanSetAssemblyNameForcesRebuild(t *testing.T) {
	pe := openFixture(t)
	plan := NewPlan(pe)

	if err := plan.SetAssemblyName("ShadedAssembly"); err != nil {
		t.Fatalf("SetAssemblyName: %v", err)
	}
	// The fixture's section raw data ends exactly where the original metadata
	// ends, so there is zero padding available and any growth must go Growing.
	if got := plan.GetStrategy(); got != MetadataRebuildGrowing {
		t.Fatalf("GetStrategy = %v, want MetadataRebuildGrowing", got)
	}
}

func TestPlanMakeTypesInternal(t *testing.T) {
	pe := openFixture(t)
	plan := NewPlan(pe)

	if err := plan.MakeTypesInternal(); err != nil {
		t.Fatalf("MakeTypesInternal: %v", err)
	}
	row, err := plan.GetTypeDefRow(2)
	if err != nil {
		t.Fatalf("GetTypeDefRow(2): %v", err)
	}
	if row.IsPublic() {
		t.Fatal("MyClass should no longer be public")
	}
	// The <Module> pseudo-type was never public, so it must not be touched.
	pseudo, err := plan.GetTypeDefRow(1)
	if err != nil {
		t.Fatalf("GetTypeDefRow(1): %v", err)
	}
	if pseudo.Flags != 0 {
		t.Fatalf("<Module> Flags = %#x, want 0 untouched", pseudo.Flags)
	}
}

func TestPlanRedirectAssemblyRef(t *testing.T) {
	pe := openFixture(t)
	plan := NewPlan(pe)

	ok, err := plan.RedirectAssemblyRef("mscorlib", "System.Private.CoreLib", []byte{1, 2, 3, 4, 5, 6, 7, 8})
	if err != nil {
		t.Fatalf("RedirectAssemblyRef: %v", err)
	}
	if !ok {
		t.Fatal("expected RedirectAssemblyRef to find mscorlib")
	}

	row, err := plan.GetAssemblyRefRow(1)
	if err != nil {
		t.Fatalf("GetAssemblyRefRow: %v", err)
	}
	if row.Name == 0 {
		t.Fatal("Name index should point at the new string")
	}

	ok, err = plan.RedirectAssemblyRef("does-not-exist", "x", nil)
	if err != nil {
		t.Fatalf("RedirectAssemblyRef(missing): %v", err)
	}
	if ok {
		t.Fatal("expected RedirectAssemblyRef to report not-found")
	}
}

func TestGetOrAddStringDedupes(t *testing.T) {
	pe := openFixture(t)
	plan := NewPlan(pe)

	if idx := plan.GetOrAddString(""); idx != 0 {
		t.Fatalf("GetOrAddString(\"\") = %d, want 0", idx)
	}

	a := plan.GetOrAddString("Foo")
	b := plan.GetOrAddString("Foo")
	if a != b {
		t.Fatalf("GetOrAddString not idempotent: %d != %d", a, b)
	}
	c := plan.GetOrAddString("Bar")
	if c == a {
		t.Fatal("distinct strings got the same index")
	}
}

func TestGetOrAddBlob(t *testing.T) {
	pe := openFixture(t)
	plan := NewPlan(pe)

	if idx := plan.GetOrAddBlob(nil); idx != 0 {
		t.Fatalf("GetOrAddBlob(nil) = %d, want 0", idx)
	}
	first := plan.GetOrAddBlob([]byte{1, 2, 3})
	second := plan.GetOrAddBlob([]byte{4, 5})
	if second <= first {
		t.Fatalf("second blob index %d should be past first %d", second, first)
	}
}

func TestEstimateNewMetadataSizeGrowsWithMutations(t *testing.T) {
	pe := openFixture(t)
	plan := NewPlan(pe)
	base := plan.EstimateNewMetadataSize()

	if err := plan.SetAssemblyName("ShadedAssembly"); err != nil {
		t.Fatalf("SetAssemblyName: %v", err)
	}
	if got := plan.EstimateNewMetadataSize(); got <= base {
		t.Fatalf("EstimateNewMetadataSize did not grow: %d <= %d", got, base)
	}
}
