package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Operator is a filter comparison operator.
type Operator string

// Operator types for filters
const (
	OperatorEqual              Operator = "=="
	OperatorNotEqual           Operator = "!="
	OperatorLessThan           Operator = "<"
	OperatorLessThanOrEqual    Operator = "<="
	OperatorGreaterThan        Operator = ">"
	OperatorGreaterThanOrEqual Operator = ">="
	OperatorIn                 Operator = "in"
	OperatorNotIn              Operator = "not-in"
	OperatorArrayContains      Operator = "array-contains"
	OperatorArrayContainsAny   Operator = "array-contains-any"
)

// Valid reports whether o is a supported operator.
func (o Operator) Valid() bool {
	switch o {
	case OperatorEqual, OperatorNotEqual, OperatorLessThan, OperatorLessThanOrEqual,
		OperatorGreaterThan, OperatorGreaterThanOrEqual, OperatorIn, OperatorNotIn,
		OperatorArrayContains, OperatorArrayContainsAny:
		return true
	}
	return false
}

// Filter represents a single filter predicate (where clause).
type Filter struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"op"`
	Value    interface{} `json:"value"`
}

// Filters maps field -> operator -> value as supplied by callers.
type Filters map[string]map[Operator]interface{}

// FiltersFromList folds a filter list into a Filters map. A repeated
// field/operator pair keeps the last value.
func FiltersFromList(list []Filter) Filters {
	if len(list) == 0 {
		return nil
	}
	out := make(Filters, len(list))
	for _, f := range list {
		if out[f.Field] == nil {
			out[f.Field] = make(map[Operator]interface{})
		}
		out[f.Field][f.Operator] = f.Value
	}
	return out
}

// Normalize returns the filters sorted canonically by field, then operator.
func (f Filters) Normalize() []Filter {
	if len(f) == 0 {
		return nil
	}
	out := make([]Filter, 0, len(f))
	for field, ops := range f {
		for op, value := range ops {
			out = append(out, Filter{Field: field, Operator: op, Value: value})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].Operator < out[j].Operator
	})
	return out
}

// QueryID is the canonical identity of a cached query: collection, normalized
// filters and limit. Two semantically identical queries share one QueryID.
type QueryID string

// QuerySpec is an immutable description of a query against the remote store.
type QuerySpec struct {
	collection Collection
	sortField  string
	limit      int
	filters    []Filter
	startAfter *Cursor
	id         QueryID
}

// NewQuerySpec builds a spec from already normalized filters.
func NewQuerySpec(collection Collection, sortField string, limit int, normalized []Filter) QuerySpec {
	filters := make([]Filter, len(normalized))
	copy(filters, normalized)
	spec := QuerySpec{
		collection: collection,
		sortField:  sortField,
		limit:      limit,
		filters:    filters,
	}
	spec.id = canonicalID(collection, filters, limit)
	return spec
}

// Collection returns the queried collection.
func (q QuerySpec) Collection() Collection { return q.collection }

// SortField returns the ordering field.
func (q QuerySpec) SortField() string { return q.sortField }

// Limit returns the maximum number of rows.
func (q QuerySpec) Limit() int { return q.limit }

// Filters returns a copy of the normalized filters.
func (q QuerySpec) Filters() []Filter {
	if len(q.filters) == 0 {
		return nil
	}
	out := make([]Filter, len(q.filters))
	copy(out, q.filters)
	return out
}

// HasFilters reports whether any predicate is set.
func (q QuerySpec) HasFilters() bool { return len(q.filters) > 0 }

// StartAfter returns the resume cursor, or nil for a first page.
func (q QuerySpec) StartAfter() *Cursor { return q.startAfter.Clone() }

// ID returns the query identity. The start-after cursor is not part of it.
func (q QuerySpec) ID() QueryID { return q.id }

// WithStartAfter returns a copy of the spec resuming after cursor.
func (q QuerySpec) WithStartAfter(cursor *Cursor) QuerySpec {
	cp := q
	cp.filters = q.Filters()
	cp.startAfter = cursor.Clone()
	return cp
}

// String implements fmt.Stringer.
func (q QuerySpec) String() string {
	if q.startAfter != nil {
		return fmt.Sprintf("%s startAfter=%s", q.id, q.startAfter.DocumentID)
	}
	return string(q.id)
}

func canonicalID(collection Collection, filters []Filter, limit int) QueryID {
	var b strings.Builder
	b.WriteString(string(collection))
	for _, f := range filters {
		b.WriteString("|")
		b.WriteString(f.Field)
		b.WriteString(" ")
		b.WriteString(string(f.Operator))
		b.WriteString(" ")
		b.WriteString(canonicalValue(f.Value))
	}
	fmt.Fprintf(&b, "|limit=%d", limit)
	return QueryID(b.String())
}

// canonicalValue serializes a filter value deterministically; encoding/json
// sorts map keys.
func canonicalValue(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(raw)
}

// QueryRequest is the wire form of a one-shot query.
type QueryRequest struct {
	Filters    []Filter `json:"filters,omitempty"`
	Limit      *int     `json:"limit,omitempty"`
	StartAfter *Cursor  `json:"startAfter,omitempty"`
}

// QueryResponse carries the rows of a one-shot query.
type QueryResponse struct {
	Documents []Document `json:"documents"`
}
