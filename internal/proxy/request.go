package proxy

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/hubgate/hubgate/internal/catalog"
	"github.com/hubgate/hubgate/internal/pipeline"
)

// GatewayHeader identifies proxied requests and responses.
const (
	GatewayHeader = "X-Gateway"
	GatewayName   = "hubgate"
)

// Hop-by-hop headers that must not cross the proxy in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarding headers the client must not be able to spoof; the gateway
// sets its own. The whole X-Forwarded-* family is dropped by prefix.
const forwardedPrefix = "X-Forwarded-"

var spoofableHeaders = []string{
	"X-Real-IP",
	GatewayHeader,
}

// Credential carriers never forwarded upstream.
var credentialHeaders = []string{
	"X-API-Key",
	"X-RapidAPI-Key",
	"X-Gateway-Key",
}

// BuildUpstreamRequest turns the validated inbound request into the
// request sent to the backend: the API's base URL plus the remaining
// path, the query minus api_key, sanitized headers, and the gateway's
// forwarding and subscriber identity headers.
func BuildUpstreamRequest(rc *pipeline.Context, defaultVersion string) (*http.Request, error) {
	r := rc.Request

	base, err := url.Parse(rc.API.BaseURL)
	if err != nil {
		return nil, err
	}

	target := *base
	target.Path = singleJoiningSlash(base.Path, rc.ForwardPath)
	target.RawQuery = stripKeyParam(r.URL.Query())

	upstream := (&http.Request{
		Method:        r.Method,
		URL:           &target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(r.Context())

	upstream.Header = make(http.Header, len(r.Header)+6)
	for k, vv := range r.Header {
		upstream.Header[k] = vv
	}

	for _, h := range hopHeaders {
		upstream.Header.Del(h)
	}
	for k := range upstream.Header {
		if strings.HasPrefix(k, forwardedPrefix) {
			upstream.Header.Del(k)
		}
	}
	for _, h := range spoofableHeaders {
		upstream.Header.Del(h)
	}
	for _, h := range credentialHeaders {
		upstream.Header.Del(h)
	}
	// The Authorization header is stripped only when it carried the
	// gateway key; upstream-facing auth passes through untouched.
	if carriedGatewayKey(r, rc.Credential) {
		upstream.Header.Del("Authorization")
	}

	upstream.Header.Set("X-Forwarded-For", rc.ClientIP)
	if r.TLS != nil {
		upstream.Header.Set("X-Forwarded-Proto", "https")
	} else {
		upstream.Header.Set("X-Forwarded-Proto", "http")
	}
	upstream.Header.Set("X-Forwarded-Host", r.Host)
	upstream.Header.Set(GatewayHeader, GatewayName)

	if upstream.Header.Get("X-API-Version") == "" && defaultVersion != "" {
		upstream.Header.Set("X-API-Version", defaultVersion)
	}

	// Subscriber identity the upstream may trust: the gateway has
	// already authenticated the caller.
	if cred := rc.Credential; cred != nil {
		upstream.Header.Set("X-Subscriber-Id", cred.User.ID)
		upstream.Header.Set("X-Subscriber-App", cred.Application.ID)
		if cred.Plan != nil {
			upstream.Header.Set("X-Subscription-Plan", cred.Plan.ID)
		}
	}

	return upstream, nil
}

// stripKeyParam re-encodes the query without the api_key parameter.
func stripKeyParam(q url.Values) string {
	if _, ok := q["api_key"]; ok {
		q.Del("api_key")
	}
	return q.Encode()
}

// carriedGatewayKey reports whether the Authorization header was the
// credential carrier for this request.
func carriedGatewayKey(r *http.Request, cred *catalog.Credential) bool {
	if cred == nil {
		return false
	}
	authz := r.Header.Get("Authorization")
	if len(authz) <= 7 || !strings.EqualFold(authz[:7], "Bearer ") {
		return false
	}
	return catalog.HashKey(authz[7:]) == cred.Key.KeyHash
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
