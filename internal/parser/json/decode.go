// Package json decodes query responses into raw element records.
package json

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/rotisserie/eris"

	"github.com/Elaine-s-Datanauts/blacksky/internal/elements"
)

// ResponseError is a whole-response failure: the body was a single object
// carrying an error indicator (e.g. {"error":"rate limit exceeded"}) instead
// of records.
type ResponseError struct {
	Message string
}

func (e *ResponseError) Error() string { return "response error: " + e.Message }

// Decode reads all records from r. See Stream.
func Decode(ctx context.Context, r io.Reader) ([]elements.RawRecord, error) {
	var out []elements.RawRecord
	err := Stream(ctx, r, func(rec elements.RawRecord) error {
		out = append(out, rec)
		return nil
	}, nil)
	return out, err
}

// Stream parses JSON from r and calls emit once per record, in order.
//
// Accepted shapes:
//   - Empty input yields no records and no error.
//   - A root array streams each object element one by one; null elements are
//     skipped.
//   - A root object is one record, unless it carries an error key, in which
//     case Stream returns a *ResponseError.
//
// Anything after the root value is an error. Numbers are decoded as
// json.Number. onParseErr, when set, is called with the 1-based index of the
// record that failed to decode.
func Stream(
	ctx context.Context,
	r io.Reader,
	emit func(elements.RawRecord) error,
	onParseErr func(index int, err error),
) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	n := 0
	emitObject := func(obj map[string]any) error {
		n++
		if err := ctx.Err(); err != nil {
			return err
		}
		return emit(elements.RawRecord(obj))
	}

	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if onParseErr != nil {
			onParseErr(0, err)
		}
		return eris.Wrap(err, "json: read first token")
	}

	d, ok := tok.(json.Delim)
	if !ok {
		return eris.Errorf("json: unsupported root token %T (want object or array)", tok)
	}

	switch d {
	case '[':
		if err := streamArrayOfObjects(dec, emitObject, onParseErr, &n); err != nil {
			return err
		}
		if err := expectDelim(dec, ']'); err != nil {
			return err
		}

	case '{':
		single, err := materializeObject(dec)
		if err != nil {
			if onParseErr != nil {
				onParseErr(n+1, err)
			}
			return err
		}
		if msg, isErr := elements.RawRecord(single).EmbeddedError(); isErr {
			return &ResponseError{Message: msg}
		}
		if err := emitObject(single); err != nil {
			return err
		}

	default:
		return eris.Errorf("json: unsupported root delimiter %q", d)
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		err := eris.New("json: unexpected data after root value")
		if onParseErr != nil {
			onParseErr(n+1, err)
		}
		return err
	}
	return nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	end, err := dec.Token()
	if err != nil {
		return eris.Wrapf(err, "json: read %q", want)
	}
	if end != want {
		return eris.Errorf("json: expected %q, got %v", want, end)
	}
	return nil
}

// streamArrayOfObjects streams elements of the current array (after '[' has
// been consumed). Every non-null element must be an object.
func streamArrayOfObjects(
	dec *json.Decoder,
	emit func(map[string]any) error,
	onParseErr func(index int, err error),
	n *int,
) error {
	for dec.More() {
		var raw any
		if err := dec.Decode(&raw); err != nil {
			if onParseErr != nil {
				onParseErr(*n+1, err)
			}
			return eris.Wrap(err, "json: decode array element")
		}
		if raw == nil {
			continue
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			err := eris.Errorf("json: array element not an object (got %T)", raw)
			if onParseErr != nil {
				onParseErr(*n+1, err)
			}
			return err
		}
		if err := emit(obj); err != nil {
			return err
		}
	}
	return nil
}

// materializeObject reads the rest of the current object (after '{' has
// been consumed), including its closing brace.
func materializeObject(dec *json.Decoder) (map[string]any, error) {
	m := make(map[string]any)
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, eris.Wrap(err, "json: read object key")
		}
		k, ok := kt.(string)
		if !ok {
			return nil, eris.Errorf("json: object key not a string (got %T)", kt)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, eris.Wrapf(err, "json: decode value of %q", k)
		}
		m[k] = v
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return m, nil
}
