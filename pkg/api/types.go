package api

// StatusResponse is returned by GET /
type StatusResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

// MessageResponse carries a human-readable outcome
type MessageResponse struct {
	Message string `json:"message"`
}
