package spacetrack

import (
	"context"
	"strconv"
	"strings"

	"github.com/Elaine-s-Datanauts/blacksky/internal/window"
)

// ElementSource serves orbital elements of one class for an epoch window.
type ElementSource struct {
	client *Client
	class  string
}

// NewGPHistory returns the primary source: historical general-perturbations
// element sets.
func NewGPHistory(c *Client) *ElementSource {
	return &ElementSource{client: c, class: ClassGPHistory}
}

// NewTLE returns the legacy two-line-element source used as fallback.
func NewTLE(c *Client) *ElementSource {
	return &ElementSource{client: c, class: ClassTLE}
}

// Name is the request class, used in logs and metrics.
func (s *ElementSource) Name() string { return s.class }

// Query fetches every element set whose epoch falls in w, ordered by epoch.
func (s *ElementSource) Query(ctx context.Context, w window.Window) (Result, error) {
	return s.client.Query(ctx, Query{
		Class:      s.class,
		Predicates: []Predicate{{Field: "EPOCH", Value: w.QueryRange()}},
		OrderBy:    "EPOCH asc",
	})
}

// catalogColumns are the satellite catalog fields enrichment needs.
var catalogColumns = []string{"NORAD_CAT_ID", "OBJECT_TYPE", "OBJECT_NAME", "OBJECT_ID"}

// SatCat looks up classification in the satellite catalog.
type SatCat struct {
	client *Client
}

func NewSatCat(c *Client) *SatCat { return &SatCat{client: c} }

// Lookup fetches the catalog rows for ids with one request.
func (s *SatCat) Lookup(ctx context.Context, ids []int64) (Result, error) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return s.client.Query(ctx, Query{
		Class:      ClassSatCat,
		Predicates: []Predicate{{Field: "NORAD_CAT_ID", Value: strings.Join(parts, ",")}},
		Columns:    catalogColumns,
	})
}
