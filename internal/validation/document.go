package validation

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/wudi/tollgate/internal/errors"
)

// JSONDocument parses a JSON request body into the value tree the
// engine walks. An empty body behaves like an empty object so required
// fields still fail cleanly.
func JSONDocument(body []byte) (interface{}, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]interface{}{}, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.ErrValidation.WithDetails("request body is not valid JSON")
	}
	return gjson.ParseBytes(body).Value(), nil
}

// splitPath breaks a dotted field path into segments. Empty segments
// ("user..name") are schema mistakes, not payload failures.
func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("empty field path")
	}
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("path has an empty segment")
		}
	}
	return segs, nil
}

// resolve walks the value tree along the path segments. Missing keys
// and non-object intermediates both report the value as absent.
func resolve(doc interface{}, segs []string) (interface{}, bool) {
	cur := doc
	for _, seg := range segs {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func joinPath(prefix, p string) string {
	if prefix == "" {
		return p
	}
	return prefix + "." + p
}
