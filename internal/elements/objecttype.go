package elements

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ObjectType is the catalog classification of an object.
//
// After enrichment it is always one of Payload, Debris, RocketBody or Unknown.
type ObjectType string

const (
	Payload    ObjectType = "PAYLOAD"
	Debris     ObjectType = "DEBRIS"
	RocketBody ObjectType = "ROCKET BODY"
	Unknown    ObjectType = "UNKNOWN"
)

// Known reports whether t is one of the closed labels.
func (t ObjectType) Known() bool {
	switch t {
	case Payload, Debris, RocketBody, Unknown:
		return true
	}
	return false
}

// Missing reports whether no classification text is present.
func (t ObjectType) Missing() bool {
	return strings.TrimSpace(string(t)) == ""
}

// CanonicalObjectType maps free-form classification text onto the closed
// label set. Text is upper-cased and inner whitespace collapsed; empty or
// unrecognized text becomes Unknown.
//
// CanonicalObjectType(string(CanonicalObjectType(s))) == CanonicalObjectType(s)
// for every s.
func CanonicalObjectType(s string) ObjectType {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Unknown
	}
	// cases.Caser is stateful; one per call.
	up := cases.Upper(language.Und).String(strings.Join(fields, " "))
	if t := ObjectType(up); t.Known() {
		return t
	}
	return Unknown
}
