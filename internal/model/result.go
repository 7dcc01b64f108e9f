package model

import (
	"encoding/json"
	"fmt"
)

// Result is one entry reported by a provider run. Entries are opaque
// JSON objects; the core only interprets the "success" and "error"
// markers and, for errors, the "message" field.
type Result map[string]any

// NewErrorResult builds a synthetic error entry for a failure the
// provider threw instead of reporting.
func NewErrorResult(msg string) Result {
	return Result{"error": true, "message": msg}
}

// IsSuccess reports whether the entry carries a truthy success marker.
func (r Result) IsSuccess() bool { return truthy(r["success"]) }

// IsError reports whether the entry carries a truthy error marker.
func (r Result) IsError() bool { return truthy(r["error"]) }

// Message returns the entry's message field, if any.
func (r Result) Message() string {
	if s, ok := r["message"].(string); ok {
		return s
	}
	return ""
}

// StatusFromResults applies the aggregation rule: both kinds present ->
// SUCCESS_PARTIAL, only successes -> SUCCESS, anything else -> ERROR.
// An empty list is a failure, not idle; success is checked before error
// for entries that malformedly carry both markers.
func StatusFromResults(results []Result) Status {
	var hasSuccess, hasError bool
	for _, r := range results {
		if r.IsSuccess() {
			hasSuccess = true
		}
		if r.IsError() {
			hasError = true
		}
		if hasSuccess && hasError {
			break
		}
	}
	if hasSuccess && hasError {
		return StatusSuccessPartial
	}
	if hasSuccess {
		return StatusSuccess
	}
	return StatusError
}

// DecodeResults parses a serialized result list. Historic rows may hold
// a single bare object; it is normalized to a one-element list.
func DecodeResults(raw string) ([]Result, error) {
	if raw == "" {
		return nil, nil
	}
	var list []Result
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list, nil
	}
	var one Result
	if err := json.Unmarshal([]byte(raw), &one); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	return []Result{one}, nil
}

// EncodeResults serializes a result list for storage.
func EncodeResults(results []Result) (string, error) {
	if results == nil {
		results = []Result{}
	}
	b, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("encode results: %w", err)
	}
	return string(b), nil
}

// truthy mirrors the marker semantics of the provider protocol: JSON
// false, null, 0 and "" are falsy, everything else (objects and arrays
// included) is truthy.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case json.Number:
		return x.String() != "0" && x.String() != ""
	case string:
		return x != ""
	default:
		return true
	}
}
