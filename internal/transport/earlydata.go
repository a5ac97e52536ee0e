package transport

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"tunnel-proxy-go/internal/model"
)

// Session hint selectors for the xhttp variant. Unlike the routing-only
// selectors these describe the tunnel session itself and are forwarded to the
// backend verbatim.
const (
	QueryEarlyDataKey = "ed"
	QueryModeKey      = "mode"
	HeaderModeKey     = "X-Xhttp-Mode"

	// EarlyDataHeaderName carries the client's early payload as the first
	// comma-separated token, URL-safe base64 without padding.
	EarlyDataHeaderName = "Sec-Websocket-Protocol"

	// MaxEarlyData bounds the early-data hint; larger hints are clamped.
	MaxEarlyData = 2560

	ModeAuto     = "auto"
	ModePacketUp = "packet-up"
)

// ErrInvalidSessionParam marks client-supplied session hints that fail
// validation. It is always surfaced before any backend dial.
var ErrInvalidSessionParam = errors.New("invalid session parameter")

// ParseSessionParams validates the xhttp session hints of a request and
// extracts inline early data.
//
// The mode flag comes from the mode query key, falling back to the
// X-Xhttp-Mode header, and defaults to auto. The ed hint must be a
// non-negative integer; values above MaxEarlyData are clamped, anything
// unparsable is an error. Early data is decoded only when the hint is
// positive; a token that does not decode or exceeds the hint is treated as
// absent, never as an error.
func ParseSessionParams(req *http.Request) (*model.SessionParams, error) {
	params := &model.SessionParams{Mode: ModeAuto}

	mode := req.URL.Query().Get(QueryModeKey)
	if mode == "" {
		mode = req.Header.Get(HeaderModeKey)
	}
	if mode != "" {
		switch mode {
		case ModeAuto, ModePacketUp:
			params.Mode = mode
		default:
			return nil, fmt.Errorf("%w: mode %q is not %q or %q", ErrInvalidSessionParam, mode, ModeAuto, ModePacketUp)
		}
	}

	if ed := req.URL.Query().Get(QueryEarlyDataKey); ed != "" {
		n, err := strconv.Atoi(ed)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: ed %q is not a non-negative integer", ErrInvalidSessionParam, ed)
		}
		params.EarlyDataHint = min(n, MaxEarlyData)
	}

	if params.EarlyDataHint > 0 {
		params.EarlyData = decodeEarlyData(req.Header.Get(EarlyDataHeaderName), params.EarlyDataHint)
	}
	return params, nil
}

// decodeEarlyData decodes the first comma-separated token as unpadded
// URL-safe base64, bounded by the hint. Undecodable or oversized tokens are
// ignored.
func decodeEarlyData(header string, bound int) []byte {
	token, _, _ := strings.Cut(header, ",")
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(data) == 0 || len(data) > bound {
		return nil
	}
	return data
}
