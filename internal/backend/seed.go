package backend

import (
	"context"
	"fmt"
)

// SeedFile is one confidential file written during seeding.
type SeedFile struct {
	Path    string
	Content string
}

// SeedData is one plane's initial contents.
type SeedData struct {
	Patients []Patient
	Files    []SeedFile
}

// SeedPlane writes the initial records into a plane store. Existing rows
// with the same keys are replaced, so re-seeding a scenario is idempotent.
func SeedPlane(ctx context.Context, store *PlaneStore, data SeedData) error {
	for _, p := range data.Patients {
		if p.ID == "" {
			return fmt.Errorf("seed patient with empty id")
		}
		if err := store.PutPatient(ctx, p); err != nil {
			return fmt.Errorf("seed patient %s: %w", p.ID, err)
		}
	}
	for _, f := range data.Files {
		if f.Path == "" {
			return fmt.Errorf("seed file with empty path")
		}
		if err := store.PutFile(ctx, f.Path, f.Content); err != nil {
			return fmt.Errorf("seed file %s: %w", f.Path, err)
		}
	}
	return nil
}
