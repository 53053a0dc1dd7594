// Package taint classifies the trust of data sources read into a session.
// A session that ingests an untrusted artifact (an uploaded resume, a
// shared-folder attachment) is marked tainted for the rest of its life;
// the routing policy decides what tainted sessions may still touch.
package taint

import (
	"fmt"
	"regexp"
	"strings"
)

// Trust is the classification of a data source.
type Trust string

const (
	// TrustGreen marks infrastructure-internal sources exempt from
	// tainting.
	TrustGreen Trust = "green"
	// TrustRed marks externally influenced sources that taint a session.
	TrustRed Trust = "red"
)

// Default pattern sets applied when the policy manifest declares none.
var (
	DefaultRed   = []string{"resume", "upload", "external", "/shared/", "attachment"}
	DefaultGreen = []string{"/private/", "/real/", "_conf_", "system", "internal"}
)

// Inspector classifies source strings against red and green regex patterns.
// Patterns are compiled once at construction; classification lowercases the
// source, so patterns are written in lowercase.
type Inspector struct {
	red          []*regexp.Regexp
	green        []*regexp.Regexp
	defaultTrust Trust
}

// NewInspector compiles the pattern lists. An uncompilable pattern or an
// unknown default trust is a configuration error.
func NewInspector(red, green []string, defaultTrust Trust) (*Inspector, error) {
	switch defaultTrust {
	case "":
		defaultTrust = TrustGreen
	case TrustGreen, TrustRed:
	default:
		return nil, fmt.Errorf("unknown default trust %q", defaultTrust)
	}

	reds, err := compileAll(red)
	if err != nil {
		return nil, fmt.Errorf("red pattern %w", err)
	}
	greens, err := compileAll(green)
	if err != nil {
		return nil, fmt.Errorf("green pattern %w", err)
	}

	return &Inspector{red: reds, green: greens, defaultTrust: defaultTrust}, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// SourceTrust classifies one source string. Green patterns exempt before
// red patterns taint; a source matching neither takes the default.
func (i *Inspector) SourceTrust(source string) Trust {
	lowered := strings.ToLower(source)
	for _, re := range i.green {
		if re.MatchString(lowered) {
			return TrustGreen
		}
	}
	for _, re := range i.red {
		if re.MatchString(lowered) {
			return TrustRed
		}
	}
	return i.defaultTrust
}

// Taints reports whether reading the source should taint the session.
func (i *Inspector) Taints(source string) bool {
	return i.SourceTrust(source) == TrustRed
}
