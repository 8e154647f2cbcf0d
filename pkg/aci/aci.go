// Package aci parses and builds Agent Capability Identifier strings.
//
// Format:
//
//	<registry>.<organization>.<agent-class>:<domain-mask>-L<level>@<semver>[#<ext1>,<ext2>,…]
//
// The domain mask is a string of uppercase letters, each selecting one bit of
// the operational-domain bitmask (A → bit 0 … Z → bit 25). Extension short
// codes match [a-z]{1,10}; whether a short code resolves to a registered
// extension is decided at dispatch time, not here.
package aci

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/vorion-labs/vorion/pkg/apierror"
)

var (
	classPattern     = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	maskPattern      = regexp.MustCompile(`^[A-Z]+$`)
	shortCodePattern = regexp.MustCompile(`^[a-z]{1,10}$`)
)

// Identifier is a parsed ACI string.
type Identifier struct {
	Registry      string
	Organization  string
	AgentClass    string
	DomainMask    uint32
	DomainLetters string // mask letters as written, preserved for round-trips
	Level         int
	Version       string
	Extensions    []string // short codes, in declaration order
}

// Parse parses an ACI string. It fails with a VALIDATION error on any
// malformed segment; unknown-but-well-formed short codes are kept (they are
// warned about and dropped when the pipeline resolves them).
func Parse(s string) (*Identifier, error) {
	if s == "" {
		return nil, apierror.Validation("empty ACI string")
	}

	rest := s
	var extPart string
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		rest, extPart = rest[:i], rest[i+1:]
	}

	atIdx := strings.LastIndexByte(rest, '@')
	if atIdx < 0 {
		return nil, apierror.Validation("ACI %q: missing @version", s)
	}
	version := rest[atIdx+1:]
	rest = rest[:atIdx]

	if _, err := semver.StrictNewVersion(version); err != nil {
		return nil, apierror.Validation("ACI %q: invalid semver %q", s, version)
	}

	colonIdx := strings.IndexByte(rest, ':')
	if colonIdx < 0 {
		return nil, apierror.Validation("ACI %q: missing :domain-mask", s)
	}
	classPart, domainPart := rest[:colonIdx], rest[colonIdx+1:]

	segments := strings.Split(classPart, ".")
	if len(segments) != 3 {
		return nil, apierror.Validation("ACI %q: expected registry.organization.agent-class", s)
	}
	for _, seg := range segments {
		if !classPattern.MatchString(seg) {
			return nil, apierror.Validation("ACI %q: invalid segment %q", s, seg)
		}
	}

	maskStr, level, err := parseDomainLevel(domainPart)
	if err != nil {
		return nil, apierror.Validation("ACI %q: %v", s, err)
	}
	mask, err := MaskFromLetters(maskStr)
	if err != nil {
		return nil, apierror.Validation("ACI %q: %v", s, err)
	}

	id := &Identifier{
		Registry:      segments[0],
		Organization:  segments[1],
		AgentClass:    segments[2],
		DomainMask:    mask,
		DomainLetters: maskStr,
		Level:         level,
		Version:       version,
	}

	if extPart != "" {
		for _, code := range strings.Split(extPart, ",") {
			code = strings.TrimSpace(code)
			if !shortCodePattern.MatchString(code) {
				return nil, apierror.Validation("ACI %q: invalid extension short code %q", s, code)
			}
			id.Extensions = append(id.Extensions, code)
		}
	}
	return id, nil
}

func parseDomainLevel(part string) (mask string, level int, err error) {
	dashIdx := strings.LastIndex(part, "-L")
	if dashIdx < 0 {
		return "", 0, fmt.Errorf("domain part %q missing -L<level>", part)
	}
	mask = part[:dashIdx]
	level, err = strconv.Atoi(part[dashIdx+2:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid level in %q", part)
	}
	if level < 0 || level > 5 {
		return "", 0, fmt.Errorf("level %d out of range 0..5", level)
	}
	return mask, level, nil
}

// MaskFromLetters converts a domain-letter string to a bitmask.
func MaskFromLetters(s string) (uint32, error) {
	if !maskPattern.MatchString(s) {
		return 0, fmt.Errorf("invalid domain mask %q", s)
	}
	var mask uint32
	for _, r := range s {
		mask |= 1 << (r - 'A')
	}
	return mask, nil
}

// LettersFromMask converts a bitmask back to its canonical (sorted) letter
// string.
func LettersFromMask(mask uint32) string {
	var b strings.Builder
	for i := 0; i < 26; i++ {
		if mask&(1<<i) != 0 {
			b.WriteByte(byte('A' + i))
		}
	}
	return b.String()
}

// BuildOption customises String output.
type BuildOption func(*buildOptions)

type buildOptions struct{ sortExtensions bool }

// SortExtensions emits extension short codes in sorted order, giving a
// canonical form for hashing and comparison.
func SortExtensions() BuildOption {
	return func(o *buildOptions) { o.sortExtensions = true }
}

// String builds the ACI string back from its parts. Parse ∘ String is the
// identity on valid identifiers (modulo extension order when SortExtensions
// is used).
func (id *Identifier) String(opts ...BuildOption) string {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	letters := id.DomainLetters
	if letters == "" {
		letters = LettersFromMask(id.DomainMask)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s.%s.%s:%s-L%d@%s",
		id.Registry, id.Organization, id.AgentClass,
		letters, id.Level, id.Version)

	if len(id.Extensions) > 0 {
		exts := id.Extensions
		if o.sortExtensions {
			exts = append([]string(nil), exts...)
			sort.Strings(exts)
		}
		b.WriteByte('#')
		b.WriteString(strings.Join(exts, ","))
	}
	return b.String()
}
