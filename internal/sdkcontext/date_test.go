package sdkcontext

import (
	"net/http"
	"testing"
	"time"

	"github.com/kon-rad/mobiletrace/internal/upload"
)

func TestServerOffsetCorrectorLearnsFromAcceptedUploads(t *testing.T) {
	t.Parallel()

	c := NewServerOffsetCorrector(discardLogger())
	local := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if got := c.Correction().Apply(local); !got.Equal(local) {
		t.Fatalf("initial correction moved time to %v", got)
	}

	c.UploadAttempt(upload.Attempt{
		At:     local,
		Status: upload.Status{StatusCode: http.StatusAccepted, ServerDate: local.Add(90 * time.Second)},
	})
	if got, want := c.Correction().Offset, 90*time.Second; got != want {
		t.Fatalf("offset = %s, want %s", got, want)
	}

	c.UploadAttempt(upload.Attempt{
		At:     local,
		Status: upload.Status{StatusCode: http.StatusInternalServerError, ServerDate: local.Add(time.Hour)},
	})
	if got, want := c.Correction().Offset, 90*time.Second; got != want {
		t.Fatalf("failed upload changed offset to %s", got)
	}
}

func TestServerOffsetCorrectorIgnoresSubSecondSkew(t *testing.T) {
	t.Parallel()

	c := NewServerOffsetCorrector(discardLogger())
	local := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.Observe(local.Add(-5*time.Second), local)
	c.Observe(local.Add(700*time.Millisecond), local)
	if got := c.Correction().Offset; got != 0 {
		t.Fatalf("offset = %s, want 0", got)
	}
}
