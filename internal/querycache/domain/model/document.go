package model

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Document is an opaque payload plus a stable identifier.
// Two documents with the same ID are the same logical row.
type Document struct {
	ID   string                 `json:"id"`
	Data map[string]interface{} `json:"data"`
}

// Field resolves a top-level or dotted field path inside the document data.
func (d Document) Field(path string) (interface{}, bool) {
	var current interface{} = d.Data
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// CompareDocuments orders two documents by sortField, then by ID.
func CompareDocuments(a, b Document, sortField string) int {
	av, _ := a.Field(sortField)
	bv, _ := b.Field(sortField)
	if c := CompareValues(av, bv); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// OrderRows returns a new slice holding rows sorted by sortField (ties by ID)
// with duplicate IDs collapsed; the later occurrence wins.
func OrderRows(rows []Document, sortField string) []Document {
	index := make(map[string]int, len(rows))
	out := make([]Document, 0, len(rows))
	for _, row := range rows {
		if i, ok := index[row.ID]; ok {
			out[i] = row
			continue
		}
		index[row.ID] = len(out)
		out = append(out, row)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return CompareDocuments(out[i], out[j], sortField) < 0
	})
	return out
}

// CloneRows copies the row slice. Document data maps are shared.
func CloneRows(rows []Document) []Document {
	if rows == nil {
		return nil
	}
	out := make([]Document, len(rows))
	copy(out, rows)
	return out
}

// value classes, in ascending order
const (
	classNull = iota
	classBool
	classNumber
	classTime
	classString
	classOther
)

// CompareValues orders field values: missing/null < bool < number < timestamp < string < other.
// Values inside a class compare naturally; numbers compare across Go numeric types.
func CompareValues(a, b interface{}) int {
	a, b = coerceTimes(a, b)
	ca, cb := valueClass(a), valueClass(b)
	if ca != cb {
		return compareInts(ca, cb)
	}

	switch ca {
	case classNull:
		return 0
	case classBool:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case classNumber:
		af, _ := toFloat(a)
		bf, _ := toFloat(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	case classTime:
		at, bt := a.(time.Time), b.(time.Time)
		return at.Compare(bt)
	case classString:
		return strings.Compare(a.(string), b.(string))
	default:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}

// coerceTimes parses an RFC 3339 string compared against a time.Time, which
// is how timestamps look after a JSON round trip.
func coerceTimes(a, b interface{}) (interface{}, interface{}) {
	_, aTime := a.(time.Time)
	_, bTime := b.(time.Time)
	if aTime == bTime {
		return a, b
	}
	if s, ok := a.(string); ok && bTime {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, b
		}
	}
	if s, ok := b.(string); ok && aTime {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return a, t
		}
	}
	return a, b
}

func valueClass(v interface{}) int {
	switch v.(type) {
	case nil:
		return classNull
	case bool:
		return classBool
	case time.Time:
		return classTime
	case string:
		return classString
	}
	if _, ok := toFloat(v); ok {
		return classNumber
	}
	return classOther
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		if math.IsNaN(n) {
			return math.Inf(-1), true
		}
		return n, true
	}
	return 0, false
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Cursor is an opaque pointer to the last row of a page.
type Cursor struct {
	DocumentID string      `json:"documentId"`
	SortValue  interface{} `json:"sortValue,omitempty"`
}

// CursorAt returns the cursor pointing at doc under sortField.
func CursorAt(doc Document, sortField string) *Cursor {
	v, _ := doc.Field(sortField)
	return &Cursor{DocumentID: doc.ID, SortValue: v}
}

// LastCursor returns the cursor of the last row, or nil for an empty page.
func LastCursor(rows []Document, sortField string) *Cursor {
	if len(rows) == 0 {
		return nil
	}
	return CursorAt(rows[len(rows)-1], sortField)
}

// Before reports whether the cursor sorts strictly before doc, i.e. doc
// belongs to a page that starts after the cursor.
func (c *Cursor) Before(doc Document, sortField string) bool {
	if c == nil {
		return true
	}
	v, _ := doc.Field(sortField)
	if cmp := CompareValues(c.SortValue, v); cmp != 0 {
		return cmp < 0
	}
	return c.DocumentID < doc.ID
}

// Clone copies the cursor.
func (c *Cursor) Clone() *Cursor {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
