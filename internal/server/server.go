package server

import (
	"net/http"
	"time"
)

func New(addr string, health http.Handler, metrics http.Handler, logHandlers *LogHandlers) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /health", health)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	if logHandlers != nil {
		mux.HandleFunc("POST /v1/logs", logHandlers.PostLogs)
		if logHandlers.sessions != nil {
			mux.HandleFunc("POST /v1/session", logHandlers.PostSession)
		}
	}

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
