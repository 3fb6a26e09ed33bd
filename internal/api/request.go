package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxRequestBody caps JSON request bodies. Policy updates and Slack settings
// are small documents; 256 KB leaves generous headroom.
const maxRequestBody = 256 << 10

// DecodeJSON decodes the request body into dst, rejecting unknown fields,
// trailing documents, and oversized bodies. Errors are phrased for API
// clients, not Go programmers.
func DecodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBody)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON document")
	}
	return nil
}

func decodeError(err error) error {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.Is(err, io.EOF):
		return errors.New("request body is required")
	case errors.Is(err, io.ErrUnexpectedEOF):
		return errors.New("request body is not valid JSON")
	case errors.As(err, &syntaxErr):
		return fmt.Errorf("request body is not valid JSON (offset %d)", syntaxErr.Offset)
	case errors.As(err, &typeErr):
		return fmt.Errorf("field %q expects a %s", typeErr.Field, typeErr.Type)
	case errors.As(err, &maxBytesErr):
		return fmt.Errorf("request body may not exceed %d bytes", maxBytesErr.Limit)
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		return fmt.Errorf("unknown field %s", strings.TrimPrefix(err.Error(), "json: unknown field "))
	default:
		return errors.New("request body could not be decoded")
	}
}
