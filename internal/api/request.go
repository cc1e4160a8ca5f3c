package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// MaxBodySize is the maximum allowed request body size (1 MB)
const MaxBodySize = 1 << 20

// DecodeJSON reads and decodes a JSON request body into dst
func DecodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("request body is empty")
	}
	r.Body = http.MaxBytesReader(nil, r.Body, MaxBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return errors.New("request body is empty")
	default:
		return errors.New("invalid JSON in request body")
	}
}
