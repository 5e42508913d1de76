// Package controlplane is the framed TCP request/response transport (C7)
// plus the ambient HTTP mux for /metrics and /healthz. Wire messages are
// newline-delimited, self-describing tagged JSON objects per spec.md §6.
package controlplane

import (
	"encoding/json"

	"github.com/juant72/sniperforge-sub011/internal/bot"
	"github.com/juant72/sniperforge-sub011/internal/collector"
	"github.com/juant72/sniperforge-sub011/internal/controller"
	"github.com/juant72/sniperforge-sub011/internal/resource"
)

// Request is the tagged-union envelope every client line decodes into.
// Unknown fields for a given Op are ignored, matching spec.md §4.7's
// "forward-compatible" framing note.
type Request struct {
	Op     string          `json:"op"`
	ID     string          `json:"id,omitempty"`
	Kind   bot.Kind        `json:"kind,omitempty"`
	Config json.RawMessage `json:"config,omitempty"` // a JSON object; also valid YAML input to the validator
	Hours  float64         `json:"hours,omitempty"`
	CPU    float64         `json:"cpu,omitempty"`
	Memory int64           `json:"memory,omitempty"`
}

// Response is the tagged-union envelope every reply encodes as, always
// ending in a trailing newline so clients can frame with bufio.Scanner too.
type Response struct {
	Type           string                   `json:"type"`
	ID             string                   `json:"id,omitempty"`
	Bots           []controller.Summary     `json:"bots,omitempty"`
	Lifecycle      bot.Lifecycle            `json:"lifecycle,omitempty"`
	Metrics        *bot.Metrics             `json:"metrics,omitempty"`
	MetricsHistory []bot.Metrics            `json:"metrics_history,omitempty"`
	System         *collector.SystemSnapshot `json:"system,omitempty"`
	Resource       *resource.Status         `json:"resource,omitempty"`
	Mass           *controller.MassResult   `json:"mass,omitempty"`
	Path           string                   `json:"path,omitempty"`
	Message        string                   `json:"message,omitempty"`
}

const (
	respBotList         = "BotList"
	respBotCreated       = "BotCreated"
	respBotStarted       = "BotStarted"
	respBotStopped       = "BotStopped"
	respBotStatus        = "BotStatus"
	respBotMetrics       = "BotMetrics"
	respSystemMetrics    = "SystemMetrics"
	respMetricsHistory   = "MetricsHistory"
	respBackupCreated    = "BackupCreated"
	respMassControl      = "MassControlResult"
	respResourceStatus   = "ResourceStatus"
	respPong             = "Pong"
	respSuccess          = "Success"
	respError            = "Error"
)

func errorResponse(err error) Response {
	return Response{Type: respError, Message: err.Error()}
}

func successResponse(msg string) Response {
	return Response{Type: respSuccess, Message: msg}
}

// encode marshals resp as one JSON line terminated by '\n'.
func encode(resp Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// maxLineLength bounds a single framed message, guarding the resource-
// exhaustion vector an unbounded line would otherwise open (SPEC_FULL §4.7).
const maxLineLength = 1 << 20 // 1 MiB
