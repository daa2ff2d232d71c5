package api

// LiveResponse is the body of GET /health/live.
type LiveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadyResponse is the body of GET /health/ready.
type ReadyResponse struct {
	Status string `json:"status"`
	// SnapshotID and CollectedAt describe the cached round, when there is one.
	SnapshotID  string `json:"snapshot_id,omitempty"`
	CollectedAt string `json:"collected_at,omitempty"`
	Volumes     int    `json:"volumes"`
	Successful  int    `json:"successful"`
}

type errorResponse struct {
	Error string `json:"error"`
}
