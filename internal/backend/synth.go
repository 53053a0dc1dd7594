package backend

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Synthesizer generates plausible fake records for the shadow plane.
// Output is deterministic per id: the id (plus a record-kind tag) seeds a
// PCG stream, so the same id always yields the same record even across
// restarts, without storing anything up front.
type Synthesizer struct{}

// NewSynthesizer creates a synthesizer.
func NewSynthesizer() *Synthesizer {
	return &Synthesizer{}
}

var synthFirstNames = []string{
	"Margaret", "James", "Aisha", "Viktor", "Elena", "Thomas", "Priya",
	"Samuel", "Ingrid", "Carlos", "Yuki", "Amara", "Henrik", "Rosa",
	"Daniel", "Fatima",
}

var synthLastNames = []string{
	"Okafor", "Lindqvist", "Moreau", "Tanaka", "Petrov", "Alvarez",
	"Nakamura", "Svensson", "Abebe", "Kowalski", "Fernandez", "Haddad",
	"Bergstrom", "Osei", "Costa", "Varga",
}

var synthDiagnoses = []string{
	"Seasonal allergic rhinitis",
	"Mild hypertension, monitored",
	"Type 2 diabetes, diet-controlled",
	"Chronic lower back pain",
	"Iron-deficiency anemia",
	"Migraine without aura",
	"Gastroesophageal reflux disease",
	"Mild persistent asthma",
	"Hypothyroidism, stable on levothyroxine",
	"Vitamin D deficiency",
}

var synthFileLines = []string{
	"Quarterly compliance review completed without findings.",
	"Access audit scheduled for the next maintenance window.",
	"Storage migration pending sign-off from operations.",
	"Backup verification passed on all replicated volumes.",
	"Retention policy updated per records management guidance.",
	"No outstanding action items from the previous review cycle.",
	"Vendor assessment renewed for the current fiscal year.",
	"Incident drill results filed with the oversight committee.",
}

func synthSeed(kind, id string) uint64 {
	return xxhash.Sum64String(kind + ":" + id)
}

func synthRand(kind, id string) *rand.Rand {
	seed := synthSeed(kind, id)
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Patient generates a stable fake patient record for an id.
func (s *Synthesizer) Patient(id string) Patient {
	rng := synthRand("patient", id)
	return Patient{
		ID:        id,
		Name:      synthFirstNames[rng.IntN(len(synthFirstNames))] + " " + synthLastNames[rng.IntN(len(synthLastNames))],
		Diagnosis: synthDiagnoses[rng.IntN(len(synthDiagnoses))],
		SSN: fmt.Sprintf("%03d-%02d-%04d",
			rng.IntN(900)+100, rng.IntN(90)+10, rng.IntN(9000)+1000),
	}
}

// FileContent generates stable fake content for a confidential file path.
func (s *Synthesizer) FileContent(path string) string {
	rng := synthRand("file", path)

	lines := make([]string, 0, 4)
	lines = append(lines, fmt.Sprintf("Document: %s", path))
	used := make(map[int]bool, 3)
	for len(lines) < 4 {
		i := rng.IntN(len(synthFileLines))
		if used[i] {
			continue
		}
		used[i] = true
		lines = append(lines, synthFileLines[i])
	}
	return strings.Join(lines, "\n")
}
