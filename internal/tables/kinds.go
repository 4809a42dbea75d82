package tables

import (
	"fmt"
	"sort"

	"github.com/rpattn/phenoql/internal/domain"
	"github.com/rpattn/phenoql/internal/relational"
)

// Kind identifies the canonical shape of a typed table. The enumeration is
// closed: every physical table must be declared as one of these.
type Kind string

const (
	KindPerson            Kind = "PERSON"
	KindCodeEvent         Kind = "CODE_EVENT"
	KindMeasurement       Kind = "MEASUREMENT"
	KindObservationPeriod Kind = "OBSERVATION_PERIOD"
	KindPhenotypeResult   Kind = "PHENOTYPE_RESULT"
	KindIndex             Kind = "INDEX"
	KindEvent             Kind = "EVENT"
)

// ParseKind validates a kind name against the closed enumeration.
func ParseKind(name string) (Kind, error) {
	kind := Kind(name)
	switch kind {
	case KindPerson, KindCodeEvent, KindMeasurement, KindObservationPeriod,
		KindPhenotypeResult, KindIndex, KindEvent:
		return kind, nil
	}
	return "", fmt.Errorf("%w: unknown table kind %q", domain.ErrConfiguration, name)
}

// Descriptor carries everything a kind needs: its required canonical
// columns, the default physical-to-canonical rename mapping, direct join
// adjacency, and declared multi-hop paths. Custom schemas compose a
// Descriptor instead of subclassing anything.
type Descriptor struct {
	Kind     Kind
	Required []string
	// Rename maps physical column names to canonical ones and is applied
	// before the required-column check.
	Rename map[string]string
	// Adjacent declares the join keys reaching a directly joinable kind.
	Adjacent map[Kind][]relational.JoinKey
	// Paths declares the ordered intermediate kinds used to reach a kind
	// that is not a direct neighbor. The target itself is not listed.
	Paths map[Kind][]Kind
}

// ReachableKinds lists every kind the descriptor can reach, directly or via
// a declared path, in sorted order. Used in autojoin diagnostics.
func (d Descriptor) ReachableKinds() []Kind {
	set := make(map[Kind]struct{}, len(d.Adjacent)+len(d.Paths))
	for kind := range d.Adjacent {
		set[kind] = struct{}{}
	}
	for kind := range d.Paths {
		set[kind] = struct{}{}
	}
	kinds := make([]Kind, 0, len(set))
	for kind := range set {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (d Descriptor) clone() Descriptor {
	cloned := Descriptor{Kind: d.Kind}
	cloned.Required = append([]string(nil), d.Required...)
	if d.Rename != nil {
		cloned.Rename = make(map[string]string, len(d.Rename))
		for k, v := range d.Rename {
			cloned.Rename[k] = v
		}
	}
	if d.Adjacent != nil {
		cloned.Adjacent = make(map[Kind][]relational.JoinKey, len(d.Adjacent))
		for k, v := range d.Adjacent {
			cloned.Adjacent[k] = append([]relational.JoinKey(nil), v...)
		}
	}
	if d.Paths != nil {
		cloned.Paths = make(map[Kind][]Kind, len(d.Paths))
		for k, v := range d.Paths {
			cloned.Paths[k] = append([]Kind(nil), v...)
		}
	}
	return cloned
}

// WithRename returns a copy of the descriptor with the given physical
// column mapping merged over the default one.
func (d Descriptor) WithRename(mapping map[string]string) Descriptor {
	cloned := d.clone()
	if cloned.Rename == nil {
		cloned.Rename = make(map[string]string, len(mapping))
	}
	for k, v := range mapping {
		cloned.Rename[k] = v
	}
	return cloned
}

// DefaultDescriptor returns the canonical descriptor for a kind: its
// required columns plus the default adjacency graph between the clinical
// kinds. Callers usually start from this and override the rename mapping
// per data source.
func DefaultDescriptor(kind Kind) Descriptor {
	personKey := []relational.JoinKey{relational.On(domain.ColPersonID)}
	switch kind {
	case KindPerson:
		return Descriptor{
			Kind:     KindPerson,
			Required: []string{domain.ColPersonID},
			Adjacent: map[Kind][]relational.JoinKey{
				KindCodeEvent:         personKey,
				KindMeasurement:       personKey,
				KindObservationPeriod: personKey,
				KindIndex:             personKey,
				KindEvent:             personKey,
			},
		}
	case KindCodeEvent:
		return Descriptor{
			Kind:     KindCodeEvent,
			Required: []string{domain.ColPersonID, domain.ColCode, domain.ColEventDate},
			Adjacent: map[Kind][]relational.JoinKey{
				KindPerson: personKey,
				KindIndex:  personKey,
			},
			Paths: map[Kind][]Kind{
				KindObservationPeriod: {KindPerson},
			},
		}
	case KindMeasurement:
		return Descriptor{
			Kind:     KindMeasurement,
			Required: []string{domain.ColPersonID, domain.ColEventDate, domain.ColValue},
			Adjacent: map[Kind][]relational.JoinKey{
				KindPerson:    personKey,
				KindCodeEvent: personKey,
				KindIndex:     personKey,
			},
			Paths: map[Kind][]Kind{
				KindObservationPeriod: {KindPerson},
			},
		}
	case KindObservationPeriod:
		return Descriptor{
			Kind:     KindObservationPeriod,
			Required: []string{domain.ColPersonID, domain.ColObservationPeriodStart, domain.ColObservationPeriodEnd},
			Adjacent: map[Kind][]relational.JoinKey{
				KindPerson: personKey,
			},
		}
	case KindPhenotypeResult:
		return Descriptor{
			Kind:     KindPhenotypeResult,
			Required: domain.ResultColumns(),
			Adjacent: map[Kind][]relational.JoinKey{
				KindPerson: personKey,
				KindIndex:  personKey,
			},
		}
	case KindIndex:
		return Descriptor{
			Kind:     KindIndex,
			Required: []string{domain.ColPersonID, domain.ColIndexDate},
			Adjacent: map[Kind][]relational.JoinKey{
				KindPerson:    personKey,
				KindCodeEvent: personKey,
			},
		}
	default:
		return Descriptor{
			Kind:     KindEvent,
			Required: []string{domain.ColPersonID, domain.ColEventDate},
			Adjacent: map[Kind][]relational.JoinKey{
				KindPerson: personKey,
			},
		}
	}
}
