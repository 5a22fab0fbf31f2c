// Package logtail follows a plain-text or JSON-lines log file and
// forwards each line to the logs feature.
package logtail

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/kon-rad/mobiletrace/internal/logs"
)

const maxLineBytes = 16384

// Sink receives forwarded lines. logs.Logger satisfies it.
type Sink interface {
	Log(status logs.Status, message string, attrs map[string]any)
}

type Tailer struct {
	path   string
	poll   time.Duration
	sink   Sink
	logger *slog.Logger

	offset    int64
	lastInode uint64
}

func New(path string, poll time.Duration, sink Sink, logger *slog.Logger) *Tailer {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tailer{
		path:   path,
		poll:   poll,
		sink:   sink,
		logger: logger.With("path", path),
	}
}

// Run polls the file until ctx is cancelled. A file replaced under the
// same path or truncated in place is read again from the start.
func (t *Tailer) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.check(); err != nil && !errors.Is(err, os.ErrNotExist) {
				t.logger.Warn("log tail read failed", "error", err)
			}
		}
	}
}

func (t *Tailer) check() error {
	fi, err := os.Stat(t.path)
	if err != nil {
		return err
	}
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		if t.lastInode == 0 {
			t.lastInode = stat.Ino
		}
		if stat.Ino != t.lastInode {
			t.logger.Info("log file rotated")
			t.lastInode = stat.Ino
			t.offset = 0
		}
	}
	if fi.Size() < t.offset {
		t.offset = 0
	}
	if fi.Size() == t.offset {
		return nil
	}
	offset, err := t.readFrom(t.offset)
	t.offset = offset
	return err
}

// readFrom forwards complete lines after offset and returns the offset
// of the first byte not consumed. A trailing line without a newline is
// left for the next poll.
func (t *Tailer) readFrom(offset int64) (int64, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return offset, nil
			}
			return offset, err
		}
		offset += int64(len(line))
		t.forward(line)
	}
}

func (t *Tailer) forward(raw string) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return
	}
	status, message, attrs := ParseLine(line)
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs["logger.name"] = "logtail"
	t.sink.Log(status, limit(message, maxLineBytes), attrs)
}

// ParseLine extracts a status and message. JSON objects use their
// level/status and message/msg fields and keep the rest as attributes;
// anything else is classified by keyword.
func ParseLine(line string) (logs.Status, string, map[string]any) {
	if strings.HasPrefix(line, "{") {
		var doc map[string]any
		if err := json.Unmarshal([]byte(line), &doc); err == nil {
			status := logs.StatusInfo
			for _, key := range []string{"level", "status", "severity"} {
				if s, ok := doc[key].(string); ok {
					status = logs.ParseStatus(s)
					delete(doc, key)
					break
				}
			}
			message := line
			for _, key := range []string{"message", "msg"} {
				if s, ok := doc[key].(string); ok {
					message = s
					delete(doc, key)
					break
				}
			}
			return status, message, doc
		}
	}
	return classifyLine(line), line, nil
}

func classifyLine(line string) logs.Status {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, "error") || strings.Contains(l, "exception") ||
		strings.Contains(l, "panic") || strings.Contains(l, "fatal") || strings.Contains(l, "failed"):
		return logs.StatusError
	case strings.Contains(l, "warn") || strings.Contains(l, "timeout"):
		return logs.StatusWarn
	case strings.Contains(l, "debug"):
		return logs.StatusDebug
	default:
		return logs.StatusInfo
	}
}

// limit cuts s to at most max bytes without splitting a rune.
func limit(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
