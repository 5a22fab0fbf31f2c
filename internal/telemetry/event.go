package telemetry

import (
	"encoding/json"

	"github.com/kon-rad/mobiletrace/internal/sdkcontext"
)

type Kind string

const (
	KindDebug Kind = "debug"
	KindError Kind = "error"
)

// Payload is what a producer reports. Attrs are inlined next to status
// and message; they cannot override those keys.
type Payload struct {
	Message string
	Error   *ErrorInfo
	Attrs   map[string]any
}

type ErrorInfo struct {
	Kind  string `json:"kind,omitempty"`
	Stack string `json:"stack,omitempty"`
}

type formatVersion struct {
	FormatVersion int `json:"format_version"`
}

type ref struct {
	ID string `json:"id"`
}

// Event is one telemetry record as it goes on the wire.
type Event struct {
	DD          formatVersion `json:"_dd"`
	Type        string        `json:"type"`
	Date        int64         `json:"date"`
	Service     string        `json:"service"`
	Source      string        `json:"source"`
	Version     string        `json:"version"`
	Application *ref          `json:"application,omitempty"`
	Session     *ref          `json:"session,omitempty"`
	View        *ref          `json:"view,omitempty"`
	Action      *ref          `json:"action,omitempty"`
	Telemetry   body          `json:"telemetry"`
}

type body struct {
	Status  Kind
	Message string
	Error   *ErrorInfo
	Attrs   map[string]any
}

func (b body) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(b.Attrs)+3)
	for k, v := range b.Attrs {
		out[k] = v
	}
	out["status"] = b.Status
	out["message"] = b.Message
	if b.Error != nil {
		out["error"] = b.Error
	}
	return json.Marshal(out)
}

func refOf(o sdkcontext.Optional[string]) *ref {
	if id, ok := o.Get(); ok {
		return &ref{ID: id}
	}
	return nil
}
