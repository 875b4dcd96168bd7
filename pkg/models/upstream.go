package models

// DefaultUpstreamKey names the permanent registry entry.
const DefaultUpstreamKey = "default"

// UpstreamService is one candidate inference backend.
type UpstreamService struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Model       string `json:"model"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}
