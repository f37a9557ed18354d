package models

// AskResponse is returned by POST /api/v1/asks
type AskResponse struct {
	QueryID string `json:"query_id"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}
