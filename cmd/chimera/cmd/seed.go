package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/chimera-gw/chimera/internal/backend"
	"github.com/chimera-gw/chimera/internal/config"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write the scenario's initial plane data",
	Long: `Write the scenario's initial plane data.

Reads the backend.seed section of the effective configuration (base
config plus scenario overlay) and writes each plane's patients and
confidential files into its sqlite store. The plane filesystem roots are
created if missing. Seeding is idempotent: re-running replaces the same
rows.`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	planes := []struct {
		name  string
		plane config.PlaneConfig
		seed  config.PlaneSeed
	}{
		{backend.PlaneProduction, cfg.Backend.Production, cfg.Backend.Seed.Production},
		{backend.PlaneShadow, cfg.Backend.Shadow, cfg.Backend.Seed.Shadow},
	}

	for _, p := range planes {
		if p.plane.FSRoot != "" {
			if err := os.MkdirAll(p.plane.FSRoot, 0o755); err != nil {
				return fmt.Errorf("create %s filesystem root: %w", p.name, err)
			}
		}

		store, err := backend.OpenPlaneStore(p.plane.DBPath)
		if err != nil {
			return fmt.Errorf("open %s plane store: %w", p.name, err)
		}

		data := seedData(p.seed)
		err = backend.SeedPlane(cmd.Context(), store, data)
		if cerr := store.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("seed %s plane: %w", p.name, err)
		}

		fmt.Printf("seeded %s plane: %d patients, %d files\n",
			p.name, len(data.Patients), len(data.Files))
	}
	return nil
}

// seedData converts the config rows to plane records. Patient ids are
// numeric in config but strings on the wire.
func seedData(seed config.PlaneSeed) backend.SeedData {
	data := backend.SeedData{
		Patients: make([]backend.Patient, 0, len(seed.Patients)),
		Files:    make([]backend.SeedFile, 0, len(seed.Files)),
	}
	for _, p := range seed.Patients {
		data.Patients = append(data.Patients, backend.Patient{
			ID:        strconv.FormatInt(p.ID, 10),
			Name:      p.Name,
			Diagnosis: p.Diagnosis,
			SSN:       p.SSN,
		})
	}
	for _, f := range seed.Files {
		data.Files = append(data.Files, backend.SeedFile{Path: f.Path, Content: f.Content})
	}
	return data
}
