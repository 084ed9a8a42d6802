package json

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

var (
	config = jsoniter.Config{EscapeHTML: true}.Froze()

	ErrNotObject   = errors.New("json value is not an object")
	ErrInvalidJson = errors.New("invalid json")
)

// Parse json bytes.
func ParseJson(body []byte, ptr any) error {
	return config.Unmarshal(body, ptr)
}

// Parse json bytes.
func ParseJsonAs[T any](body []byte) (T, error) {
	var t T
	return t, ParseJson(body, &t)
}

// Parse json bytes that must contain a json object.
//
// Returns ErrNotObject if the body holds some other json value, e.g., 'null', '[]', '12' or '"abc"', and
// ErrInvalidJson if the body is empty or not parsable.
func ParseObject(body []byte) (map[string]any, error) {
	t := bytes.TrimSpace(body)
	if len(t) < 1 {
		return nil, ErrInvalidJson
	}
	if t[0] != '{' {
		return nil, ErrNotObject
	}
	var m map[string]any
	if err := config.Unmarshal(t, &m); err != nil {
		return nil, fmt.Errorf("%w, %v", ErrInvalidJson, err)
	}
	return m, nil
}

// Write json as bytes.
func WriteJson(body any) ([]byte, error) {
	return config.Marshal(body)
}

// Write json as string.
func SWriteJson(body any) (string, error) {
	if v, ok := body.(string); ok {
		return v, nil
	}
	buf, err := WriteJson(body)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// Decode json.
func DecodeJson(reader io.Reader, ptr any) error {
	return config.NewDecoder(reader).Decode(ptr)
}
