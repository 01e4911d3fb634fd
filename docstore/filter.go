package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// FilterKind identifies a query predicate.
type FilterKind int

const (
	FilterEq FilterKind = iota + 1
	FilterIn
	FilterMissing
)

// Filter is a predicate on one top-level document field.
type Filter struct {
	Kind   FilterKind
	Field  string
	Values []any
}

// Eq matches documents whose field equals value.
func Eq(field string, value any) Filter {
	return Filter{Kind: FilterEq, Field: field, Values: []any{value}}
}

// In matches documents whose field equals any of values.
func In(field string, values ...any) Filter {
	return Filter{Kind: FilterIn, Field: field, Values: values}
}

// Missing matches documents where field is absent or null.
func Missing(field string) Filter {
	return Filter{Kind: FilterMissing, Field: field}
}

func (f Filter) String() string {
	switch f.Kind {
	case FilterEq:
		return fmt.Sprintf("%s == %v", f.Field, f.Values[0])
	case FilterIn:
		return fmt.Sprintf("%s in %v", f.Field, f.Values)
	case FilterMissing:
		return fmt.Sprintf("%s missing", f.Field)
	default:
		return fmt.Sprintf("FilterKind(%d) on %s", int(f.Kind), f.Field)
	}
}

func (f Filter) validate() error {
	if f.Field == "" {
		return fmt.Errorf("filter %v: empty field name", f)
	}
	switch f.Kind {
	case FilterEq, FilterMissing:
	case FilterIn:
		if len(f.Values) == 0 {
			return fmt.Errorf("filter %v: no values", f)
		}
	default:
		return fmt.Errorf("filter %v: unsupported kind", f)
	}
	return nil
}

// Matches reports whether a normalised document satisfies the filter.
func (f Filter) Matches(doc Document) bool {
	v, ok := doc[f.Field]
	switch f.Kind {
	case FilterMissing:
		return !ok || v == nil
	case FilterEq, FilterIn:
		if !ok {
			return false
		}
		for _, want := range f.Values {
			nw, err := normalizeValue(want)
			if err != nil {
				continue
			}
			if reflect.DeepEqual(v, nw) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func matchesAll(doc Document, filters []Filter) bool {
	for _, f := range filters {
		if !f.Matches(doc) {
			return false
		}
	}
	return true
}

func validateFilters(filters []Filter) error {
	for _, f := range filters {
		if err := f.validate(); err != nil {
			return err
		}
	}
	return nil
}

// normalizeValue converts v into its JSON-decoded form.
func normalizeValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeDocument returns a deep copy of doc in JSON-decoded form.
func normalizeDocument(doc Document) (Document, error) {
	if doc == nil {
		return Document{}, nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	out := Document{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}
