package sdkcontext

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kon-rad/mobiletrace/internal/upload"
)

// Correction shifts device time onto server time.
type Correction struct {
	Offset time.Duration
}

func (c Correction) Apply(t time.Time) time.Time {
	return t.Add(c.Offset)
}

type DateCorrector interface {
	Correction() Correction
}

// The Date header has one second resolution, so smaller offsets are noise.
const minServerOffset = time.Second

// ServerOffsetCorrector learns the device-to-server clock offset from the
// Date header of accepted uploads.
type ServerOffsetCorrector struct {
	offset atomic.Int64
	logger *slog.Logger
}

func NewServerOffsetCorrector(logger *slog.Logger) *ServerOffsetCorrector {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServerOffsetCorrector{logger: logger}
}

func (c *ServerOffsetCorrector) Correction() Correction {
	return Correction{Offset: time.Duration(c.offset.Load())}
}

// Observe records serverDate as seen when the device clock read local.
func (c *ServerOffsetCorrector) Observe(serverDate, local time.Time) {
	offset := serverDate.Sub(local)
	if offset > -minServerOffset && offset < minServerOffset {
		offset = 0
	}
	prev := time.Duration(c.offset.Swap(int64(offset)))
	if diff := offset - prev; diff >= minServerOffset || diff <= -minServerOffset {
		c.logger.Info("server clock offset updated", "offset", offset)
	}
}

// UploadAttempt implements upload.Observer.
func (c *ServerOffsetCorrector) UploadAttempt(a upload.Attempt) {
	if !a.Status.Delivered() || a.Status.ServerDate.IsZero() {
		return
	}
	c.Observe(a.Status.ServerDate, a.At)
}
