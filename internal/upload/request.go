package upload

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// RequestConfig carries what the intake needs to accept a batch.
type RequestConfig struct {
	URL         string
	Source      string
	ClientToken string
	Origin      string
	SDKVersion  string
	AppName     string
	AppVersion  string
	DeviceModel string
	OSName      string
	OSVersion   string
}

func (c RequestConfig) UserAgent() string {
	return fmt.Sprintf("%s/%s CFNetwork (%s; %s/%s)", c.AppName, c.AppVersion, c.DeviceModel, c.OSName, c.OSVersion)
}

type RequestBuilder struct {
	cfg   RequestConfig
	url   string
	newID func() string
}

func NewRequestBuilder(cfg RequestConfig) (*RequestBuilder, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse intake url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("intake url %q must be absolute", cfg.URL)
	}
	q := u.Query()
	q.Set("ddsource", cfg.Source)
	u.RawQuery = q.Encode()
	return &RequestBuilder{
		cfg:   cfg,
		url:   u.String(),
		newID: uuid.NewString,
	}, nil
}

// Build frames and compresses events into a POST request.
func (b *RequestBuilder) Build(ctx context.Context, events [][]byte) (*http.Request, error) {
	body, err := Deflate(FramePayload(events))
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "deflate")
	req.Header.Set("DD-API-KEY", b.cfg.ClientToken)
	req.Header.Set("DD-EVP-ORIGIN", b.cfg.Origin)
	req.Header.Set("DD-EVP-ORIGIN-VERSION", b.cfg.SDKVersion)
	req.Header.Set("DD-REQUEST-ID", b.newID())
	req.Header.Set("User-Agent", b.cfg.UserAgent())
	return req, nil
}
