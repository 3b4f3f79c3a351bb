package spacetrack

import (
	"net/url"
	"strings"

	"github.com/Elaine-s-Datanauts/blacksky/internal/elements"
)

// Request classes.
const (
	ClassGPHistory = "gp_history"
	ClassTLE       = "tle"
	ClassSatCat    = "satcat"
)

// Predicate is one field/value pair of the query path, e.g.
// {"EPOCH", ">2024-01-01,<2024-01-02"}.
type Predicate struct {
	Field string
	Value string
}

// Query is a basicspacedata class query.
type Query struct {
	Class      string
	Predicates []Predicate
	OrderBy    string
	// Columns restricts the returned fields (the "predicates" segment).
	Columns []string
}

// Path renders q as a request path with every segment escaped.
func (q Query) Path() string {
	segs := []string{"basicspacedata", "query", "class", q.Class}
	for _, p := range q.Predicates {
		segs = append(segs, p.Field, p.Value)
	}
	if q.OrderBy != "" {
		segs = append(segs, "orderby", q.OrderBy)
	}
	if len(q.Columns) > 0 {
		segs = append(segs, "predicates", strings.Join(q.Columns, ","))
	}
	segs = append(segs, "format", "json")

	var b strings.Builder
	for _, s := range segs {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// Result is the tagged outcome of one successful round-trip: either records
// or a failure reported by the service in an error envelope.
type Result struct {
	Records []elements.RawRecord
	Failure string
}

// Failed reports whether the service answered with an error envelope.
func (r Result) Failed() bool { return r.Failure != "" }
