// Package enrich fills in missing object classifications from the satellite
// catalog and canonicalizes every classification label.
package enrich

import (
	"context"
	"fmt"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Elaine-s-Datanauts/blacksky/internal/elements"
	"github.com/Elaine-s-Datanauts/blacksky/internal/metrics"
	"github.com/Elaine-s-Datanauts/blacksky/internal/normalize"
	"github.com/Elaine-s-Datanauts/blacksky/internal/spacetrack"
)

// DefaultBatchSize is the number of identifiers per catalog request.
const DefaultBatchSize = 500

// ErrCatalog matches every catalog batch failure.
var ErrCatalog = eris.New("enrich: catalog lookup failed")

// Catalog resolves identifiers to catalog rows.
type Catalog interface {
	Lookup(ctx context.Context, ids []int64) (spacetrack.Result, error)
}

// BatchError reports the batch that aborted enrichment.
type BatchError struct {
	Batch   int
	Batches int
	IDs     int
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s: batch %d/%d (%d ids): %v", ErrCatalog, e.Batch, e.Batches, e.IDs, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Is makes every BatchError match ErrCatalog.
func (e *BatchError) Is(target error) bool { return target == ErrCatalog }

// Enricher classifies records from the catalog.
type Enricher struct {
	Catalog   Catalog
	BatchSize int
	Logger    *zap.Logger
}

// Enrich returns a copy of recs with every ObjectType canonicalized.
//
// Records without a classification are looked up in batches. Any failing
// batch aborts with an error matching ErrCatalog; no partial result is
// returned. Only ObjectType is taken from the catalog, and records that
// already carry a classification are never overwritten.
func (e *Enricher) Enrich(ctx context.Context, recs []elements.Record) ([]elements.Record, error) {
	out := slices.Clone(recs)

	pending := pendingIDs(out)
	if len(pending) > 0 {
		found, err := e.lookup(ctx, pending)
		if err != nil {
			return nil, err
		}
		applied := 0
		for i := range out {
			r := &out[i]
			if !r.ObjectType.Missing() {
				continue
			}
			typ, ok := found[r.NoradCatID]
			if !ok {
				continue
			}
			r.ObjectType = elements.ObjectType(typ)
			applied++
		}
		metrics.RecordRecords("enriched", applied)
	}

	for i := range out {
		out[i].ObjectType = elements.CanonicalObjectType(string(out[i].ObjectType))
	}
	return out, nil
}

// pendingIDs returns the distinct identifiers of unclassified records,
// sorted ascending.
func pendingIDs(recs []elements.Record) []int64 {
	var ids []int64
	for _, r := range recs {
		if r.ObjectType.Missing() {
			ids = append(ids, r.NoradCatID)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// lookup returns the catalog classification per identifier. The first row
// seen for an identifier wins.
func (e *Enricher) lookup(ctx context.Context, ids []int64) (map[int64]string, error) {
	size := e.BatchSize
	if size < 1 {
		size = DefaultBatchSize
	}
	batches := (len(ids) + size - 1) / size
	log := e.logger()

	found := make(map[int64]string, len(ids))
	rows := 0
	n := 0
	for batch := range slices.Chunk(ids, size) {
		n++
		metrics.RecordCatalogBatch()
		fail := func(err error) error {
			return &BatchError{Batch: n, Batches: batches, IDs: len(batch), Err: err}
		}

		res, err := e.Catalog.Lookup(ctx, batch)
		if err != nil {
			return nil, fail(err)
		}
		if res.Failed() {
			return nil, fail(eris.Errorf("catalog reported: %s", res.Failure))
		}
		for _, raw := range res.Records {
			if msg, isErr := raw.EmbeddedError(); isErr {
				return nil, fail(eris.Errorf("catalog row error: %s", msg))
			}
		}

		for _, raw := range res.Records {
			up := normalize.Upper(raw)
			text, _ := normalize.Pick(up, normalize.Aliases(normalize.NoradCatID))
			id, ok := normalize.ParseID(text)
			if !ok {
				continue
			}
			rows++
			if _, seen := found[id]; seen {
				continue
			}
			typ, _ := normalize.Pick(up, normalize.Aliases(normalize.ObjectType))
			found[id] = typ
		}
		log.Debug("enrich: catalog batch",
			zap.Int("batch", n),
			zap.Int("batches", batches),
			zap.Int("ids", len(batch)),
			zap.Int("rows", len(res.Records)))
	}

	if rows == 0 {
		log.Warn("enrich: catalog returned no rows",
			zap.Int("ids", len(ids)))
	}
	return found, nil
}

func (e *Enricher) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}
