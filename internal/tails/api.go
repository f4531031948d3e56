package tails

import (
	"encoding/json"
	"net/http"
)

// CheckResult is the outcome of a single health checker.
type CheckResult struct {
	Checker   string  `json:"checker"`
	Output    string  `json:"output"`
	Passed    bool    `json:"passed"`
	Timestamp float64 `json:"timestamp"`
}

// HealthReport is the aggregate response of the health endpoint.
type HealthReport struct {
	Hostname  string        `json:"hostname"`
	Status    string        `json:"status"`
	Timestamp float64       `json:"timestamp"`
	Results   []CheckResult `json:"results"`
}

// writeJSONResponse encodes v as JSON and writes it to w with the given
// status code.
func writeJSONResponse(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
