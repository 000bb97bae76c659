package rules

import (
	"encoding/json"
	"fmt"

	"github.com/theory/jsonpath"

	"centinela/internal/model"
)

// QueryEvidence evaluates a JSONPath query (RFC 9535) against a
// detection's evidence payload, for the admin endpoint
// GET /v1/admin/detections/{id}/evidence?q=. Evidence is marshaled to
// a generic JSON value first since jsonpath operates on
// map[string]any/[]any trees rather than typed Go structs.
func QueryEvidence(evidence model.DetectionEvidence, query string) ([]any, error) {
	path, err := jsonpath.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parse jsonpath query %q: %w", query, err)
	}

	raw, err := json.Marshal(evidence)
	if err != nil {
		return nil, fmt.Errorf("marshal evidence: %w", err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal evidence: %w", err)
	}

	return path.Select(doc), nil
}
