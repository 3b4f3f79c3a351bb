// Package elements holds the orbital-element data model shared by the fetch,
// normalize, enrich and output stages.
//
// Ownership:
//   - RawRecord values are produced per window by a source and are transient.
//     They are normalized immediately and never stored.
//   - Record values are created by normalization, have their ObjectType set
//     exactly once by enrichment, and are treated as immutable afterwards.
package elements

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// RawRecord is one element of a source response, keyed by whatever field
// names the source chose (casing varies between classes and mirrors).
//
// Numbers are kept as json.Number by the decoder so no precision is lost
// before normalization.
type RawRecord map[string]any

// EmbeddedError reports whether the element carries its own error indicator
// instead of orbital data. The key is matched case-insensitively.
func (r RawRecord) EmbeddedError() (string, bool) {
	for k, v := range r {
		if strings.EqualFold(k, "error") {
			return fmt.Sprint(v), true
		}
	}
	return "", false
}

// Keys returns the record's field names in sorted order.
func (r RawRecord) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Record is the canonical orbital-element row.
//
// NoradCatID and Epoch are always valid. The orbital scalars are source
// values passed through in textual form; an empty string means absent.
type Record struct {
	NoradCatID int64
	Epoch      time.Time

	MeanMotion      string
	Eccentricity    string
	Inclination     string
	RAOfAscNode     string
	ArgOfPericenter string
	BStar           string

	// ObjectType holds the source label until enrichment canonicalizes it.
	ObjectType ObjectType

	ObjectName string
	ObjectID   string

	// Source names the data source that served the record's window.
	Source string
}

// Table is the ordered output of a run.
type Table []Record

// Sort orders the table by (NoradCatID, Epoch) ascending. Ties keep their
// arrival order.
func (t Table) Sort() {
	slices.SortStableFunc(t, func(a, b Record) int {
		switch {
		case a.NoradCatID < b.NoradCatID:
			return -1
		case a.NoradCatID > b.NoradCatID:
			return 1
		}
		return a.Epoch.Compare(b.Epoch)
	})
}

// Satellites returns the number of distinct identifiers in the table.
func (t Table) Satellites() int {
	seen := make(map[int64]struct{}, len(t))
	for _, r := range t {
		seen[r.NoradCatID] = struct{}{}
	}
	return len(seen)
}

// ObjectTypes returns the distinct classification labels present, sorted.
func (t Table) ObjectTypes() []string {
	seen := map[string]struct{}{}
	for _, r := range t {
		seen[string(r.ObjectType)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
