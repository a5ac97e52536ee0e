package transport

import (
	"net/http"
	"strings"
)

// IsUpgrade reports whether the request carries the upgrade signal for the
// given variant. The ws and xhttp variants require Connection to contain the
// "upgrade" token and Upgrade to equal "websocket"; httpupgrade accepts any
// non-empty Upgrade token, which is later forwarded to the backend verbatim.
func IsUpgrade(v Variant, h http.Header) bool {
	if !connectionHasUpgrade(h) {
		return false
	}
	switch v {
	case VariantWS, VariantXHTTP:
		return strings.EqualFold(h.Get("Upgrade"), "websocket")
	case VariantHTTPUpgrade:
		return h.Get("Upgrade") != ""
	default:
		return false
	}
}

// connectionHasUpgrade reports whether any Connection token is "upgrade".
// Connection is a comma-separated token list (e.g. "keep-alive, Upgrade").
func connectionHasUpgrade(h http.Header) bool {
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}
