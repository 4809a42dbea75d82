package domain

import (
	"fmt"
	"sort"
)

// CodePair is a single (code system, code) entry of a codelist.
type CodePair struct {
	System string
	Code   string
}

// Codelist maps a code-system name to the set of codes selected from it.
// Fuzzy codelists hold starts-with patterns instead of exact codes.
// Immutable once built.
type Codelist struct {
	name          string
	codes         map[string][]string
	fuzzy         bool
	matchCodeType bool
}

// NewCodelist builds an exact-match codelist. The codes map is copied so
// later mutation of the argument cannot leak in.
func NewCodelist(name string, codes map[string][]string) (Codelist, error) {
	return newCodelist(name, codes, false, true)
}

// NewFuzzyCodelist builds a codelist whose entries are treated as
// starts-with patterns rather than exact codes.
func NewFuzzyCodelist(name string, codes map[string][]string) (Codelist, error) {
	return newCodelist(name, codes, true, true)
}

func newCodelist(name string, codes map[string][]string, fuzzy, matchCodeType bool) (Codelist, error) {
	if name == "" {
		return Codelist{}, fmt.Errorf("%w: codelist requires a name", ErrConfiguration)
	}
	if len(codes) == 0 {
		return Codelist{}, fmt.Errorf("%w: codelist %q has no codes", ErrConfiguration, name)
	}
	copied := make(map[string][]string, len(codes))
	for system, entries := range codes {
		if len(entries) == 0 {
			return Codelist{}, fmt.Errorf("%w: codelist %q declares system %q with no codes", ErrConfiguration, name, system)
		}
		copied[system] = append([]string(nil), entries...)
	}
	return Codelist{name: name, codes: copied, fuzzy: fuzzy, matchCodeType: matchCodeType}, nil
}

// WithoutCodeTypeMatch returns a copy that matches on code alone, ignoring
// the code-system column.
func (c Codelist) WithoutCodeTypeMatch() Codelist {
	c.matchCodeType = false
	return c
}

func (c Codelist) Name() string { return c.name }

func (c Codelist) Fuzzy() bool { return c.fuzzy }

// MatchCodeType reports whether filtering should also compare the
// code-system column, not just the code.
func (c Codelist) MatchCodeType() bool { return c.matchCodeType }

// Systems returns the code-system names in sorted order.
func (c Codelist) Systems() []string {
	systems := make([]string, 0, len(c.codes))
	for system := range c.codes {
		systems = append(systems, system)
	}
	sort.Strings(systems)
	return systems
}

// CodesFor returns a copy of the codes declared for a system.
func (c Codelist) CodesFor(system string) []string {
	return append([]string(nil), c.codes[system]...)
}

// Pairs returns every (system, code) entry in deterministic order with
// duplicates removed.
func (c Codelist) Pairs() []CodePair {
	var pairs []CodePair
	seen := make(map[CodePair]struct{})
	for _, system := range c.Systems() {
		for _, code := range c.codes[system] {
			pair := CodePair{System: system, Code: code}
			if _, ok := seen[pair]; ok {
				continue
			}
			seen[pair] = struct{}{}
			pairs = append(pairs, pair)
		}
	}
	return pairs
}
