// Package normalize maps raw records with heterogeneous field names onto the
// canonical element record.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Elaine-s-Datanauts/blacksky/internal/elements"
)

// Canonical field names.
const (
	NoradCatID      = "NORAD_CAT_ID"
	Epoch           = "EPOCH"
	MeanMotion      = "MEAN_MOTION"
	Eccentricity    = "ECCENTRICITY"
	Inclination     = "INCLINATION"
	RAOfAscNode     = "RA_OF_ASC_NODE"
	ArgOfPericenter = "ARG_OF_PERICENTER"
	BStar           = "BSTAR"
	ObjectType      = "OBJECT_TYPE"
	ObjectName      = "OBJECT_NAME"
	ObjectID        = "OBJECT_ID"
)

// aliases lists, per canonical field, the accepted source names in priority
// order. All names are upper case.
var aliases = map[string][]string{
	NoradCatID:      {"NORAD_CAT_ID", "SATNO", "CATNR", "NORAD", "NORAD_ID", "NORADCATID"},
	Epoch:           {"EPOCH", "EPOCHUTC", "TLE_EPOCH", "GP_EPOCH", "EPOCHDT", "EPOCH_DATE", "EPOCHTIME"},
	MeanMotion:      {"MEAN_MOTION", "N", "MEANMO"},
	Eccentricity:    {"ECCENTRICITY", "ECC"},
	Inclination:     {"INCLINATION", "INCL"},
	RAOfAscNode:     {"RA_OF_ASC_NODE", "RAAN", "NODE_RAAN", "NODE"},
	ArgOfPericenter: {"ARG_OF_PERICENTER", "ARG_OF_PERIGEE", "ARGP", "AOP"},
	BStar:           {"BSTAR", "BSTAR_DRAG", "BSTAR_DRAG_TERM"},
	ObjectType:      {"OBJECT_TYPE", "OBJTYPE", "TYPE"},
	ObjectName:      {"OBJECT_NAME", "SATNAME", "NAME"},
	ObjectID:        {"OBJECT_ID", "INTLDES", "INTL_DESIGNATOR", "INTLDESIGNATOR"},
}

// Aliases returns the accepted source names for a canonical field, in
// priority order. Unknown fields have none.
func Aliases(field string) []string {
	return append([]string(nil), aliases[field]...)
}

// Stats summarizes one normalization pass.
type Stats struct {
	Input        int
	MissingID    int
	MissingEpoch int
	// Rejected counts records dropped for a missing identifier or epoch.
	Rejected int
}

// Accepted is the number of records that survived.
func (s Stats) Accepted() int { return s.Input - s.Rejected }

// Upper returns raw with upper-cased keys. When two keys collide, keys are
// visited in sorted order and the first non-empty value wins.
func Upper(raw elements.RawRecord) map[string]any {
	up := make(map[string]any, len(raw))
	for _, k := range raw.Keys() {
		uk := strings.ToUpper(k)
		if cur, ok := up[uk]; ok && populated(cur) {
			continue
		}
		up[uk] = raw[k]
	}
	return up
}

// Pick returns the value of the first name in names that is populated in
// upper, rendered as text. Only nil and "" count as empty; a populated value
// that is blank or not a scalar is still selected and later names are not
// consulted.
func Pick(upper map[string]any, names []string) (string, bool) {
	for _, n := range names {
		v, ok := upper[n]
		if !ok || !populated(v) {
			continue
		}
		return text(v), true
	}
	return "", false
}

func populated(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	}
	return true
}

// text renders a decoded JSON value. Objects and arrays come back as JSON.
func text(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// Record normalizes one raw record. It reports false when the identifier or
// the epoch is absent or unparseable.
func Record(raw elements.RawRecord) (elements.Record, bool) {
	rec, idOK, epochOK := record(raw)
	return rec, idOK && epochOK
}

// All normalizes raws in order, dropping rejects.
func All(raws []elements.RawRecord) ([]elements.Record, Stats) {
	st := Stats{Input: len(raws)}
	out := make([]elements.Record, 0, len(raws))
	for _, raw := range raws {
		rec, idOK, epochOK := record(raw)
		if !idOK {
			st.MissingID++
		}
		if !epochOK {
			st.MissingEpoch++
		}
		if !idOK || !epochOK {
			st.Rejected++
			continue
		}
		out = append(out, rec)
	}
	return out, st
}

func record(raw elements.RawRecord) (elements.Record, bool, bool) {
	up := Upper(raw)
	pick := func(field string) string {
		s, _ := Pick(up, aliases[field])
		return s
	}

	var rec elements.Record
	id, idOK := ParseID(pick(NoradCatID))
	epoch, epochOK := ParseEpoch(pick(Epoch))
	rec.NoradCatID = id
	rec.Epoch = epoch

	rec.MeanMotion = pick(MeanMotion)
	rec.Eccentricity = pick(Eccentricity)
	rec.Inclination = pick(Inclination)
	rec.RAOfAscNode = pick(RAOfAscNode)
	rec.ArgOfPericenter = pick(ArgOfPericenter)
	rec.BStar = pick(BStar)
	rec.ObjectType = elements.ObjectType(pick(ObjectType))
	rec.ObjectName = pick(ObjectName)
	rec.ObjectID = pick(ObjectID)

	return rec, idOK, epochOK
}

// ParseID accepts integer text or integral float text ("25544.0").
func ParseID(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// epochLayouts are tried in order. Layouts without a zone parse as UTC, and
// fractional seconds are accepted after the seconds field by every layout.
var epochLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseEpoch parses an epoch in any supported layout and returns it in UTC.
func ParseEpoch(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range epochLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
