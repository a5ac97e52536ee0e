// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
	"net/url"
)

// BackendRequest is an inbound request after selector stripping, ready to be
// forwarded to the backend. URL is the resolved absolute backend target.
type BackendRequest struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   io.ReadCloser
}

// BackendResponse represents the backend response to be streamed back.
type BackendResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// SessionParams carries the per-session hints of the extended upgrade
// variant: the mode flag and any early data decoded from the handshake.
type SessionParams struct {
	// Mode is "auto" or "packet-up".
	Mode string
	// EarlyDataHint is the client-announced early-data byte bound, clamped
	// to the proxy maximum. Zero disables early-data extraction.
	EarlyDataHint int
	// EarlyData is the decoded early payload, nil when absent. It must be
	// delivered to the backend before any client-originated frame.
	EarlyData []byte
}
