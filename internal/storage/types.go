// Package storage keeps a feature's events in append-only batch files on
// local disk. A Manager owns one directory: it holds the single active file
// that Writer appends to, keeps the directory under its byte bound by
// evicting the oldest files, and hands sealed files to the uploader once
// they are old enough to read.
package storage

import (
	"errors"
	"time"
)

var ErrObjectTooLarge = errors.New("object exceeds max object size")

// Performance bounds file sizes, file ages and the directory size.
type Performance struct {
	MaxFileSize        int64
	MaxDirectorySize   int64
	MaxFileAgeForWrite time.Duration
	MinFileAgeForRead  time.Duration
	MaxFileAgeForRead  time.Duration
	MaxObjectsInFile   int
	MaxObjectSize      int64
}

// File is a batch file, named after its creation time in Unix milliseconds.
type File struct {
	Name      string
	Path      string
	CreatedAt time.Time
	Size      int64
}

// Batch is the decoded content of one sealed file, in write order.
type Batch struct {
	File   File
	Events [][]byte
}

// Reason says why an event or a file left storage.
type Reason string

const (
	ReasonEvicted        Reason = "evicted"
	ReasonObsolete       Reason = "obsolete"
	ReasonUploaded       Reason = "uploaded"
	ReasonObjectTooLarge Reason = "object_too_large"
	ReasonQueueOverflow  Reason = "queue_overflow"
	// ReasonEmpty is a sealed file with no readable event, e.g. one whose
	// only block was cut short.
	ReasonEmpty Reason = "empty"
)

// Event is a diagnostics record about data leaving storage. File is empty
// for per-event drops.
type Event struct {
	Feature string
	File    string
	Reason  Reason
	Bytes   int64
	At      time.Time
}

// Diagnostics receives storage events. Implementations must not block.
type Diagnostics interface {
	StorageEvent(ev Event)
}

type nopDiagnostics struct{}

func (nopDiagnostics) StorageEvent(Event) {}

// Tee fans a storage event out to several sinks. Nil sinks are skipped.
func Tee(sinks ...Diagnostics) Diagnostics {
	out := make(tee, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type tee []Diagnostics

func (t tee) StorageEvent(ev Event) {
	for _, s := range t {
		s.StorageEvent(ev)
	}
}
