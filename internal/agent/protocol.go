package agent

import (
	"time"

	"github.com/3cpo-dev/ladapter/internal/adapter"
	"github.com/3cpo-dev/ladapter/internal/coordinator"
	"github.com/3cpo-dev/ladapter/internal/store"
)

// StatusResponse is returned by GET /v0/status. Coordinator is nil when the adapter
// runs without an orchestrator.
type StatusResponse struct {
	Time        time.Time           `json:"time"`
	Version     string              `json:"version"`
	Engine      adapter.Status      `json:"engine"`
	Coordinator *coordinator.Status `json:"coordinator,omitempty"`
}

type CapabilitiesResponse struct {
	Platform     string   `json:"platform"`
	Capabilities []string `json:"capabilities"`
}

// ExecRequest runs either a core verb or, when Extension is set, an extension.
type ExecRequest struct {
	Verb      string   `json:"verb,omitempty"`
	Extension string   `json:"extension,omitempty"`
	Args      []string `json:"args"`
	Platform  string   `json:"platform,omitempty"`
	Timeout   int      `json:"timeout_seconds,omitempty"`
	WorkDir   string   `json:"work_dir,omitempty"`
}

// ExecResponse carries the command result. Error and Code are set when the adapter
// refused or failed the request; a timed out command has both a result and an error.
type ExecResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Duration int64  `json:"duration_ms"`
	Command  string `json:"translated_command,omitempty"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
	Code     string `json:"code,omitempty"`
}

type HistoryResponse struct {
	Tasks []store.HistoryEntry `json:"tasks"`
}
