package backend

import (
	"context"
	"strings"
	"testing"
)

func TestSeedPlane(t *testing.T) {
	t.Parallel()
	store := testStore(t)
	ctx := context.Background()

	data := SeedData{
		Patients: []Patient{
			{ID: "100", Name: "Evelyn Reed", Diagnosis: "Hypertension", SSN: "532-48-1123"},
			{ID: "101", Name: "Marcus Webb", Diagnosis: "Migraine", SSN: "518-22-9047"},
		},
		Files: []SeedFile{
			{Path: "/data/private/_CONF_formula.json", Content: `{"compound":"CHIMERA-7"}`},
		},
	}
	if err := SeedPlane(ctx, store, data); err != nil {
		t.Fatalf("SeedPlane() error = %v", err)
	}

	rec, err := store.GetPatient(ctx, "101")
	if err != nil {
		t.Fatalf("GetPatient(101) error = %v", err)
	}
	if rec.Name != "Marcus Webb" {
		t.Errorf("seeded patient name = %q", rec.Name)
	}
	content, err := store.GetFile(ctx, "/data/private/_CONF_formula.json")
	if err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	if !strings.Contains(content, "CHIMERA-7") {
		t.Errorf("seeded file content = %q", content)
	}

	// Re-seeding the same rows must not fail.
	if err := SeedPlane(ctx, store, data); err != nil {
		t.Fatalf("re-seed error = %v", err)
	}
}

func TestSeedPlaneRejectsEmptyKeys(t *testing.T) {
	t.Parallel()
	store := testStore(t)
	ctx := context.Background()

	if err := SeedPlane(ctx, store, SeedData{Patients: []Patient{{Name: "No ID"}}}); err == nil {
		t.Error("SeedPlane() accepted a patient with no id")
	}
	if err := SeedPlane(ctx, store, SeedData{Files: []SeedFile{{Content: "orphan"}}}); err == nil {
		t.Error("SeedPlane() accepted a file with no path")
	}
}
