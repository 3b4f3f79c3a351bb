// Package output writes the element table as CSV.
package output

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/Elaine-s-Datanauts/blacksky/internal/elements"
)

// Header is the fixed column order of the output file.
var Header = []string{
	"NORAD_CAT_ID",
	"EPOCH",
	"MEAN_MOTION",
	"ECCENTRICITY",
	"INCLINATION",
	"RA_OF_ASC_NODE",
	"ARG_OF_PERICENTER",
	"BSTAR",
	"OBJECT_TYPE",
	"OBJECT_NAME",
	"OBJECT_ID",
}

// EpochLayout renders epochs in UTC with up to microsecond precision.
const EpochLayout = "2006-01-02T15:04:05.999999Z07:00"

// Write encodes t to w, header first, in table order.
func Write(w io.Writer, t elements.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return eris.Wrap(err, "write header")
	}
	row := make([]string, len(Header))
	for i, r := range t {
		row[0] = strconv.FormatInt(r.NoradCatID, 10)
		row[1] = r.Epoch.UTC().Format(EpochLayout)
		row[2] = r.MeanMotion
		row[3] = r.Eccentricity
		row[4] = r.Inclination
		row[5] = r.RAOfAscNode
		row[6] = r.ArgOfPericenter
		row[7] = r.BStar
		row[8] = string(r.ObjectType)
		row[9] = r.ObjectName
		row[10] = r.ObjectID
		if err := cw.Write(row); err != nil {
			return eris.Wrapf(err, "write row %d", i+1)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "flush csv")
}

// WriteFile writes t to path, creating parent directories as needed. The
// file is written to a temporary sibling and renamed into place, so readers
// never observe a partial file.
func WriteFile(path string, t elements.Table) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, eris.Wrapf(err, "create output dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".gphistory-*")
	if err != nil {
		return 0, eris.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()

	cw := &countingWriter{w: tmp}
	writeErr := Write(cw, t)
	closeErr := tmp.Close()

	if writeErr != nil {
		_ = os.Remove(tmpName)
		return cw.n, writeErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return cw.n, eris.Wrap(closeErr, "close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return cw.n, eris.Wrapf(err, "rename to %s", path)
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
