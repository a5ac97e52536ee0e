package transport

import (
	"net/http"
	"strings"
)

// Routing-only selectors. They are meaningful to this proxy only and are
// always stripped before a request is forwarded.
const (
	QueryTransportKey  = "transport"
	HeaderTransportKey = "X-Transport-Type"
)

// Signal identifies which routing signal decided the variant for a request.
type Signal string

const (
	SignalQuery   Signal = "query"
	SignalHeader  Signal = "header"
	SignalPath    Signal = "path"
	SignalDefault Signal = "default"
)

// Selection is the outcome of transport selection for one request.
//
// PrefixVariant is set whenever the first path segment names a registered
// variant, even when a higher-precedence signal decided the selection; the
// rewriter needs it to know whether the prefix was routing metadata.
type Selection struct {
	Variant       Variant
	Signal        Signal
	PrefixVariant Variant
	PrefixMatched bool
}

// Select decides the transport variant for a request. Precedence, first match
// wins: transport query parameter, X-Transport-Type header, /{variant} path
// prefix, configured default. An unrecognized value in the query or header is
// ignored and selection falls through to the next signal. Exactly one signal
// is authoritative; signals are never combined.
func Select(req *http.Request, configured Variant) Selection {
	sel := Selection{}
	if v, ok := pathPrefixVariant(req.URL.Path); ok {
		sel.PrefixVariant = v
		sel.PrefixMatched = true
	}

	if v, ok := ParseVariant(req.URL.Query().Get(QueryTransportKey)); ok {
		sel.Variant = v
		sel.Signal = SignalQuery
		return sel
	}
	if v, ok := ParseVariant(req.Header.Get(HeaderTransportKey)); ok {
		sel.Variant = v
		sel.Signal = SignalHeader
		return sel
	}
	if sel.PrefixMatched {
		sel.Variant = sel.PrefixVariant
		sel.Signal = SignalPath
		return sel
	}

	// The configured default is validated at startup, but guard anyway so an
	// unregistered value can never leak out of selection.
	if !registry[configured] {
		configured = DefaultVariant
	}
	sel.Variant = configured
	sel.Signal = SignalDefault
	return sel
}

// pathPrefixVariant reports the variant named by the first path segment, if
// any. Both /ws and /ws/anything match; /wsx does not.
func pathPrefixVariant(path string) (Variant, bool) {
	seg, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return ParseVariant(seg)
}
