package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Status is the result of one delivery attempt.
type Status struct {
	StatusCode int
	Err        error
	RequestID  string
	ServerDate time.Time
}

func (s Status) Delivered() bool {
	return s.Err == nil && s.StatusCode >= 200 && s.StatusCode < 300
}

// Describe gives a short operator-facing explanation of a failed attempt.
func (s Status) Describe() string {
	switch {
	case s.Err != nil:
		return "network error"
	case s.Delivered():
		return "accepted"
	case s.StatusCode == http.StatusUnauthorized || s.StatusCode == http.StatusForbidden:
		return "unauthorized, check the client token"
	case s.StatusCode == http.StatusRequestEntityTooLarge:
		return "payload too large"
	case s.StatusCode == http.StatusRequestTimeout || s.StatusCode == http.StatusTooManyRequests || s.StatusCode >= 500:
		return "transient intake error"
	default:
		return fmt.Sprintf("unexpected status %d", s.StatusCode)
	}
}

// Uploader delivers one batch of encoded events.
type Uploader interface {
	Upload(ctx context.Context, events [][]byte) Status
}

type HTTPUploader struct {
	builder    *RequestBuilder
	httpClient *http.Client
}

func NewHTTPUploader(builder *RequestBuilder, client *http.Client) *HTTPUploader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPUploader{builder: builder, httpClient: client}
}

func (u *HTTPUploader) Upload(ctx context.Context, events [][]byte) Status {
	req, err := u.builder.Build(ctx, events)
	if err != nil {
		return Status{Err: fmt.Errorf("build request: %w", err)}
	}
	st := Status{RequestID: req.Header.Get("DD-REQUEST-ID")}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		st.Err = err
		return st
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	st.StatusCode = resp.StatusCode
	if date := resp.Header.Get("Date"); date != "" {
		if t, err := http.ParseTime(date); err == nil {
			st.ServerDate = t
		}
	}
	return st
}
