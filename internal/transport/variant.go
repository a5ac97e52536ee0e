// Package transport implements transport negotiation for the tunnel proxy:
// the closed set of wire variants, the selection precedence over the routing
// signals, the per-variant upgrade predicates, and the request rewriting that
// strips proxy-internal selectors before anything reaches the backend.
package transport

import "strings"

// Variant is one of the tunnel wire conventions the proxy can negotiate.
type Variant string

const (
	// VariantWS is a plain WebSocket upgrade relayed as-is.
	VariantWS Variant = "ws"
	// VariantXHTTP is a WebSocket upgrade extended with an early-data hint
	// and a session mode flag.
	VariantXHTTP Variant = "xhttp"
	// VariantHTTPUpgrade is a generic HTTP/1.1 Upgrade with an arbitrary
	// Upgrade token, relayed as a raw byte stream.
	VariantHTTPUpgrade Variant = "httpupgrade"
)

// DefaultVariant is used when configuration names no transport, or names one
// that is not registered.
const DefaultVariant = VariantWS

var registry = map[Variant]bool{
	VariantWS:          true,
	VariantXHTTP:       true,
	VariantHTTPUpgrade: true,
}

// Variants returns the registered variants in a stable order.
func Variants() []Variant {
	return []Variant{VariantWS, VariantXHTTP, VariantHTTPUpgrade}
}

// ParseVariant resolves a client- or operator-supplied transport name,
// case-insensitively. ok is false for anything outside the registry.
func ParseVariant(name string) (Variant, bool) {
	v := Variant(strings.ToLower(name))
	return v, registry[v]
}

// Registered reports whether name resolves to a registered variant.
func Registered(name string) bool {
	_, ok := ParseVariant(name)
	return ok
}
