package proxy

import (
	"io"
	"net/http"

	"github.com/hubgate/hubgate/internal/pipeline"
)

// Headers never returned to the caller: hop-by-hop headers plus backend
// session state the gateway must not relay.
var strippedResponseHeaders = []string{
	"Set-Cookie",
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

// WriteResponse relays the upstream response to the client: sensitive and
// hop-by-hop headers stripped, gateway and CORS headers attached, status
// and body passed through verbatim. The body copy is binary-safe. Returns
// the number of body bytes written.
func WriteResponse(w http.ResponseWriter, rc *pipeline.Context, resp *http.Response) int64 {
	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	for _, h := range strippedResponseHeaders {
		dst.Del(h)
	}

	dst.Set(GatewayHeader, GatewayName)
	applyContextHeaders(dst, rc)

	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	return n
}

// applyContextHeaders attaches the CORS annotation and the rate/quota
// accounting headers collected along the pipeline.
func applyContextHeaders(dst http.Header, rc *pipeline.Context) {
	if rc.CORSOrigin != "" {
		dst.Set("Access-Control-Allow-Origin", rc.CORSOrigin)
		if rc.CORSCredentials {
			dst.Set("Access-Control-Allow-Credentials", "true")
		}
		dst.Add("Vary", "Origin")
	}
	for k, vv := range rc.RateLimitHeaders {
		for _, v := range vv {
			dst.Set(k, v)
		}
	}
	for k, vv := range rc.QuotaHeaders {
		for _, v := range vv {
			dst.Set(k, v)
		}
	}
}
