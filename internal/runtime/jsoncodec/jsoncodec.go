package jsoncodec

import (
	"bytes"
	"errors"

	"github.com/bytedance/sonic"
)

var (
	// ErrEmpty is returned for a payload holding only whitespace.
	ErrEmpty = errors.New("empty document")
	// ErrMalformed is returned for a payload that is not one JSON value.
	ErrMalformed = errors.New("malformed document")
	// ErrNotObject is returned for a well-formed payload whose top level is not an object.
	ErrNotObject = errors.New("document is not an object")
)

// Std-compatible mode: sorted map keys and HTML escaping as in encoding/json.
var api = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// MarshalLine encodes v followed by a newline, one document per line.
func MarshalLine(v any) ([]byte, error) {
	data, err := api.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Valid reports whether data is a single well-formed JSON value.
func Valid(data []byte) bool {
	return api.Valid(data)
}

// DecodeObject parses a document whose top level must be an object.
// Numbers stay json.Number so callers can tell them apart from strings
// without losing precision.
func DecodeObject(data []byte) (map[string]any, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, ErrEmpty
	}
	if !api.Valid(data) {
		return nil, ErrMalformed
	}
	if trimmed[0] != '{' {
		return nil, ErrNotObject
	}

	dec := api.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	return fields, nil
}
