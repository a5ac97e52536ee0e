package transport

import (
	"net/http/httptest"
	"testing"
)

func TestSelect_Precedence(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		header     string
		configured Variant
		want       Variant
		wantSignal Signal
	}{
		{
			name:       "query wins over header and path",
			target:     "/ws/foo?transport=httpupgrade",
			header:     "xhttp",
			configured: VariantWS,
			want:       VariantHTTPUpgrade,
			wantSignal: SignalQuery,
		},
		{
			name:       "query is case-insensitive",
			target:     "/?transport=XHTTP",
			configured: VariantWS,
			want:       VariantXHTTP,
			wantSignal: SignalQuery,
		},
		{
			name:       "invalid query falls through to header",
			target:     "/foo?transport=bogus",
			header:     "xhttp",
			configured: VariantWS,
			want:       VariantXHTTP,
			wantSignal: SignalHeader,
		},
		{
			name:       "header wins over path",
			target:     "/httpupgrade/foo",
			header:     "ws",
			configured: VariantXHTTP,
			want:       VariantWS,
			wantSignal: SignalHeader,
		},
		{
			name:       "invalid header falls through to path",
			target:     "/xhttp/foo",
			header:     "nope",
			configured: VariantWS,
			want:       VariantXHTTP,
			wantSignal: SignalPath,
		},
		{
			name:       "path prefix alone",
			target:     "/httpupgrade",
			configured: VariantWS,
			want:       VariantHTTPUpgrade,
			wantSignal: SignalPath,
		},
		{
			name:       "prefix must be a full segment",
			target:     "/wsx/foo",
			configured: VariantXHTTP,
			want:       VariantXHTTP,
			wantSignal: SignalDefault,
		},
		{
			name:       "configured default",
			target:     "/foo",
			configured: VariantHTTPUpgrade,
			want:       VariantHTTPUpgrade,
			wantSignal: SignalDefault,
		},
		{
			name:       "unregistered configured default falls back",
			target:     "/foo",
			configured: Variant("grpc"),
			want:       DefaultVariant,
			wantSignal: SignalDefault,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				req.Header.Set(HeaderTransportKey, tt.header)
			}

			sel := Select(req, tt.configured)
			if sel.Variant != tt.want {
				t.Errorf("Variant = %q, want %q", sel.Variant, tt.want)
			}
			if sel.Signal != tt.wantSignal {
				t.Errorf("Signal = %q, want %q", sel.Signal, tt.wantSignal)
			}
		})
	}
}

func TestSelect_PrefixRecordedWhenOverridden(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws/foo?transport=xhttp", nil)

	sel := Select(req, VariantWS)
	if sel.Variant != VariantXHTTP {
		t.Fatalf("Variant = %q, want %q", sel.Variant, VariantXHTTP)
	}
	if !sel.PrefixMatched || sel.PrefixVariant != VariantWS {
		t.Errorf("PrefixMatched = %v, PrefixVariant = %q; want matched /ws", sel.PrefixMatched, sel.PrefixVariant)
	}
}

func TestParseVariant(t *testing.T) {
	tests := []struct {
		in     string
		want   Variant
		wantOK bool
	}{
		{"ws", VariantWS, true},
		{"WS", VariantWS, true},
		{"xhttp", VariantXHTTP, true},
		{"httpupgrade", VariantHTTPUpgrade, true},
		{"HttpUpgrade", VariantHTTPUpgrade, true},
		{"", "", false},
		{"grpc", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseVariant(tt.in)
		if ok != tt.wantOK {
			t.Errorf("ParseVariant(%q) ok = %v, want %v", tt.in, ok, tt.wantOK)
		}
		if ok && got != tt.want {
			t.Errorf("ParseVariant(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
