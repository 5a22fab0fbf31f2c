package app

import (
	"github.com/kon-rad/mobiletrace/internal/storage"
)

// telemetryDiagnostics reports data loss on disk as telemetry. The id
// is per reason and feature, so each kind of loss is reported once per
// session.
type telemetryDiagnostics struct {
	r *Runtime
}

func (d telemetryDiagnostics) StorageEvent(ev storage.Event) {
	rec := d.r.recorder
	if rec == nil {
		return
	}
	switch ev.Reason {
	case storage.ReasonEvicted, storage.ReasonObsolete, storage.ReasonObjectTooLarge:
		rec.Debug("storage:"+ev.Feature+":"+string(ev.Reason), "batch data discarded", map[string]any{
			"feature": ev.Feature,
			"reason":  string(ev.Reason),
			"bytes":   ev.Bytes,
		})
	}
}
