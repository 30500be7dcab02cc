package apitypes

import "fmt"

// ApiError represents an RFC 7807 (problem+json) error response.
type ApiError struct {
	// Status is the HTTP-style status code (e.g., 400, 404, 500)
	Status int `json:"status"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Detail is a human-readable explanation specific to this occurrence
	Detail string `json:"detail"`
}

func (e ApiError) Error() string {
	if e.Status == 0 && e.Title == "" {
		return "unknown error"
	}
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Title, e.Detail)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Title, e.Detail)
}

// --

type PingResponse struct {
	Server  string `json:"server"`
	Version string `json:"version"`
}

type Model struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Vid         string `json:"vid"`
	Pid         string `json:"pid"`
	Speed       string `json:"speed"`
}

type ModelsResponse struct {
	Models []Model `json:"models"`
}

// ModemStatus is a snapshot of the running emulator.
type ModemStatus struct {
	Model      string `json:"model"`
	Configured bool   `json:"configured"`
	Online     bool   `json:"online"`
	// Backend names the line carrying the current call; empty when idle
	Backend    string `json:"backend,omitempty"`
	Workers    int    `json:"workers"`
	TxBuffered int    `json:"txBuffered"`
	TxCapacity int    `json:"txCapacity"`
	Pty        string `json:"pty,omitempty"`
	Socket     string `json:"socket,omitempty"`
}

type HangupResponse struct {
	Hungup  bool   `json:"hungup"`
	Backend string `json:"backend,omitempty"`
}
