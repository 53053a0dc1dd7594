// Package backend implements the dual execution environment: two data
// planes with identical schemas, selected per call by which public key
// verifies the attached warrant. The production plane serves real records;
// the shadow plane serves synthetic ones and fabricates any record it is
// asked for but does not hold, so a redirected caller never observes a
// miss.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/chimera-gw/chimera/internal/domain/warrant"
)

// Plane names. These never appear on the wire; responses from both planes
// are shaped identically.
const (
	PlaneProduction = "production"
	PlaneShadow     = "shadow"
)

// Errors surfaced by warrant resolution. The wire sees only a generic
// method error regardless of which one fired.
var (
	// ErrNoWarrant means the forwarded call carried no warrant parameter.
	ErrNoWarrant = errors.New("missing warrant")
	// ErrWarrantRejected means no plane verifier accepted the warrant.
	ErrWarrantRejected = errors.New("warrant rejected")
	// ErrWarrantAmbiguous means more than one verifier accepted the
	// warrant, which indicates key material has been shared across slots.
	ErrWarrantAmbiguous = errors.New("warrant verified by more than one plane")
)

// Plane is one data plane: a verifier holding exactly that plane's public
// key, a record store, and a filesystem root. The shadow plane also holds
// a synthesizer; the production plane's synth is nil and its misses
// surface as ErrNotFound.
type Plane struct {
	name     string
	verifier *warrant.Verifier
	store    *PlaneStore
	files    *FileReader
	synth    *Synthesizer
	logger   *slog.Logger

	// onSynthesis is invoked after a record is fabricated; the server
	// wires the meter counter through it.
	onSynthesis func(kind string)
}

// NewPlane assembles one data plane. synth may be nil.
func NewPlane(name string, v *warrant.Verifier, store *PlaneStore, files *FileReader, synth *Synthesizer, logger *slog.Logger) *Plane {
	return &Plane{
		name:     name,
		verifier: v,
		store:    store,
		files:    files,
		synth:    synth,
		logger:   logger,
	}
}

// Name returns the plane name for logs.
func (p *Plane) Name() string { return p.name }

// Patient looks up one patient record. On the shadow plane a miss is
// filled by the synthesizer and persisted, so the same id keeps returning
// the same record across calls and restarts.
func (p *Plane) Patient(ctx context.Context, id string) (*Patient, error) {
	rec, err := p.store.GetPatient(ctx, id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) || p.synth == nil {
		return nil, err
	}

	fabricated := p.synth.Patient(id)
	if err := p.store.PutPatient(ctx, fabricated); err != nil {
		return nil, fmt.Errorf("persist synthesized patient %s: %w", id, err)
	}
	p.logger.Debug("synthesized record", "kind", "patient", "id", id)
	if p.onSynthesis != nil {
		p.onSynthesis("patient")
	}
	return &fabricated, nil
}

// File reads one file as the plane sees it. Paths matching a sensitive
// pattern resolve against the confidential_files table (with shadow-side
// synthesis on miss); everything else reads from the plane's filesystem
// root.
func (p *Plane) File(ctx context.Context, path string) (string, error) {
	if !p.files.Sensitive(path) {
		return p.files.Read(path)
	}

	content, err := p.store.GetFile(ctx, path)
	if err == nil {
		return content, nil
	}
	if !errors.Is(err, ErrNotFound) || p.synth == nil {
		return "", err
	}

	fabricated := p.synth.FileContent(path)
	if err := p.store.PutFile(ctx, path, fabricated); err != nil {
		return "", fmt.Errorf("persist synthesized file %s: %w", path, err)
	}
	p.logger.Debug("synthesized record", "kind", "file", "path", path)
	if p.onSynthesis != nil {
		p.onSynthesis("file")
	}
	return fabricated, nil
}

// ListFiles lists a directory under the plane's filesystem root.
func (p *Plane) ListFiles(dir string) ([]string, error) {
	return p.files.List(dir)
}

// Close releases the plane's record store.
func (p *Plane) Close() error {
	return p.store.Close()
}

// Environment holds both planes and resolves warrants to one of them.
type Environment struct {
	production *Plane
	shadow     *Plane

	jitterMin time.Duration
	jitterMax time.Duration

	sleep  func(time.Duration)
	randN  func(int64) int64
	logger *slog.Logger
}

// EnvOption configures an Environment.
type EnvOption func(*Environment)

// WithJitter bounds the uniform delay added to shadow responses.
func WithJitter(min, max time.Duration) EnvOption {
	return func(e *Environment) {
		if min > 0 && max >= min {
			e.jitterMin = min
			e.jitterMax = max
		}
	}
}

// WithSleep overrides the delay function. Tests capture the jitter with it.
func WithSleep(fn func(time.Duration)) EnvOption {
	return func(e *Environment) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// NewEnvironment assembles the dual execution environment.
func NewEnvironment(production, shadow *Plane, logger *slog.Logger, opts ...EnvOption) *Environment {
	e := &Environment{
		production: production,
		shadow:     shadow,
		jitterMin:  20 * time.Millisecond,
		jitterMax:  50 * time.Millisecond,
		sleep:      time.Sleep,
		randN:      rand.Int64N,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolve verifies the warrant against both plane verifiers and returns
// the plane whose key accepted it. Both verifiers always run, so timing
// does not reveal which key was tried first, and exactly one must accept.
// The warrant must also be bound to the invoked tool.
func (e *Environment) Resolve(token, tool string) (*Plane, error) {
	if token == "" {
		return nil, ErrNoWarrant
	}

	prodClaims, prodErr := e.production.verifier.Verify(token)
	shadowClaims, shadowErr := e.shadow.verifier.Verify(token)

	switch {
	case prodErr == nil && shadowErr == nil:
		return nil, ErrWarrantAmbiguous
	case prodErr == nil:
		if !prodClaims.BoundTo(tool) {
			return nil, fmt.Errorf("%w: tool binding mismatch", ErrWarrantRejected)
		}
		return e.production, nil
	case shadowErr == nil:
		if !shadowClaims.BoundTo(tool) {
			return nil, fmt.Errorf("%w: tool binding mismatch", ErrWarrantRejected)
		}
		return e.shadow, nil
	default:
		return nil, ErrWarrantRejected
	}
}

// Jitter delays shadow responses by a uniform random amount so latency
// cannot distinguish planes under normal load. Production responses are
// returned immediately.
func (e *Environment) Jitter(p *Plane) {
	if p != e.shadow || e.jitterMax <= 0 {
		return
	}
	span := int64(e.jitterMax - e.jitterMin)
	d := e.jitterMin
	if span > 0 {
		d += time.Duration(e.randN(span + 1))
	}
	e.sleep(d)
}

// Close releases both planes.
func (e *Environment) Close() error {
	var errs []error
	if err := e.production.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.shadow.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
