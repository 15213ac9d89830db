// Package security rejects requests carrying known injection patterns or
// originating from blocked addresses.
//
// The signature set is deliberately small: this is a coarse
// defense-in-depth layer in front of third-party backends, not a
// substitute for upstream input validation or a full WAF.
package security

import (
	"net"
	"net/http"
	"regexp"

	"github.com/hubgate/hubgate/internal/errors"
	"github.com/hubgate/hubgate/internal/logging"
	"github.com/hubgate/hubgate/internal/pipeline"
	"go.uber.org/zap"
)

// injectionSignatures cover script tags, javascript:/event-handler XSS
// vectors, common SQL keyword sequences, and HTML/URL-encoded variants of
// the script-tag form.
var injectionSignatures = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script`),
	regexp.MustCompile(`(?i)(%3C|&lt;|&#60;|&#x3c;)\s*script`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)\bon(?:load|error|click|mouseover|focus|submit)\s*=`),
	regexp.MustCompile(`(?i)\bunion\s+select\b`),
	regexp.MustCompile(`(?i)\b(?:drop|truncate)\s+table\b`),
	regexp.MustCompile(`(?i)\binsert\s+into\b`),
	regexp.MustCompile(`(?i)\bdelete\s+from\b`),
	regexp.MustCompile(`(?i)\bor\s+1\s*=\s*1\b`),
}

// Filter is the security pipeline stage.
type Filter struct {
	blockedNets []*net.IPNet
}

// New creates a Filter. Entries may be CIDRs or bare IPs.
func New(blockedCIDRs []string) (*Filter, error) {
	f := &Filter{}
	for _, entry := range blockedCIDRs {
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, &net.ParseError{Type: "CIDR or IP address", Text: entry}
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			ipNet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		f.blockedNets = append(f.blockedNets, ipNet)
	}
	return f, nil
}

func (f *Filter) Name() string { return "security" }

// Run rejects blocked source addresses with 403 and malicious content
// with 400. Both are terminal.
func (f *Filter) Run(rc *pipeline.Context) pipeline.Result {
	if f.blocked(rc.ClientIP) {
		logging.Warn("blocked address rejected",
			zap.String("request_id", rc.RequestID),
			zap.String("client_ip", rc.ClientIP),
		)
		return pipeline.Fail(errors.ErrForbidden.
			WithMessage("Source address blocked").
			WithRequestID(rc.RequestID))
	}

	if field, ok := f.scan(rc.Request); ok {
		logging.Warn("malicious content rejected",
			zap.String("request_id", rc.RequestID),
			zap.String("field", field),
		)
		return pipeline.Fail(errors.ErrBadRequest.
			WithMessage("Malicious request content detected").
			WithRequestID(rc.RequestID))
	}

	return pipeline.Continue()
}

func (f *Filter) blocked(clientIP string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, n := range f.blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// scan checks every query-parameter value and header value against the
// signature set. Bodies are not inspected; they stream to the upstream.
func (f *Filter) scan(r *http.Request) (string, bool) {
	for name, values := range r.URL.Query() {
		for _, v := range values {
			if matchesSignature(v) {
				return "query:" + name, true
			}
		}
	}
	for name, values := range r.Header {
		for _, v := range values {
			if matchesSignature(v) {
				return "header:" + name, true
			}
		}
	}
	return "", false
}

func matchesSignature(value string) bool {
	for _, sig := range injectionSignatures {
		if sig.MatchString(value) {
			return true
		}
	}
	return false
}
