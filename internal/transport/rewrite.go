package transport

import (
	"net/http"
	"net/url"
	"strings"

	"tunnel-proxy-go/internal/model"
)

// Rewrite strips the proxy's routing selectors from a request and resolves
// the absolute backend target.
//
// The /{variant} path prefix is removed only when that prefix's variant is
// the one actually selected; a prefix shadowed by a higher-precedence signal
// was not routing metadata for this request and passes through untouched. The
// transport query key and header are removed unconditionally, as is Host (the
// outbound call supplies its own). Method and body are preserved verbatim.
func Rewrite(req *http.Request, sel Selection, origin *url.URL) *model.BackendRequest {
	path := req.URL.Path
	if sel.PrefixMatched && sel.PrefixVariant == sel.Variant {
		path = stripFirstSegment(path)
	}

	query := req.URL.Query()
	query.Del(QueryTransportKey)

	header := req.Header.Clone()
	header.Del(HeaderTransportKey)
	header.Del("Host")

	target := *origin
	target.Path = path
	target.RawQuery = query.Encode()

	return &model.BackendRequest{
		Method: req.Method,
		URL:    &target,
		Header: header,
		Body:   req.Body,
	}
}

// stripFirstSegment maps /seg to / and /seg/rest to /rest.
func stripFirstSegment(path string) string {
	rest := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[i:]
	}
	return "/"
}
