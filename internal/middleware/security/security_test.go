package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hubgate/hubgate/internal/pipeline"
)

func newContext(target string) *pipeline.Context {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	return &pipeline.Context{
		Request:   r,
		RequestID: "req-test",
		ClientIP:  "203.0.113.9",
	}
}

func terminalStatus(t *testing.T, res pipeline.Result) int {
	t.Helper()
	if !res.Terminal() {
		t.Fatal("expected terminal result")
	}
	rec := httptest.NewRecorder()
	res.Write(rec)
	return rec.Code
}

func TestCleanRequestPasses(t *testing.T) {
	f, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}

	rc := newContext("http://hubgate.dev/api/weather-v1/current?q=paris&units=metric")
	rc.Request.Header.Set("Accept", "application/json")

	if res := f.Run(rc); res.Terminal() {
		t.Error("clean request should pass")
	}
}

func TestInjectionSignatures(t *testing.T) {
	f, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}

	malicious := []string{
		"http://x/api/a/b?q=<script>alert(1)</script>",
		"http://x/api/a/b?q=%3Cscript%3Ealert(1)%3C/script%3E",
		"http://x/api/a/b?cb=javascript:alert(1)",
		"http://x/api/a/b?q=x%22%20onerror=alert(1)",
		"http://x/api/a/b?id=1+union+select+password+from+users",
		"http://x/api/a/b?id=1;drop+table+users",
		"http://x/api/a/b?id=1+or+1=1",
		"http://x/api/a/b?sql=insert+into+keys+values(1)",
		"http://x/api/a/b?sql=delete+from+accounts",
	}

	for _, target := range malicious {
		rc := newContext(target)
		if got := terminalStatus(t, f.Run(rc)); got != 400 {
			t.Errorf("%s: expected 400, got %d", target, got)
		}
	}
}

func TestInjectionInHeader(t *testing.T) {
	f, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}

	rc := newContext("http://hubgate.dev/api/a/b")
	rc.Request.Header.Set("X-Custom", "<script>document.cookie</script>")

	if got := terminalStatus(t, f.Run(rc)); got != 400 {
		t.Errorf("expected 400, got %d", got)
	}
}

func TestBlockedAddress(t *testing.T) {
	f, err := New([]string{"198.51.100.0/24", "192.0.2.66"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		ip      string
		blocked bool
	}{
		{"198.51.100.7", true},
		{"192.0.2.66", true},
		{"203.0.113.9", false},
		{"192.0.2.65", false},
	}

	for _, tt := range tests {
		rc := newContext("http://hubgate.dev/api/a/b")
		rc.ClientIP = tt.ip
		res := f.Run(rc)
		if tt.blocked {
			if got := terminalStatus(t, res); got != 403 {
				t.Errorf("%s: expected 403, got %d", tt.ip, got)
			}
		} else if res.Terminal() {
			t.Errorf("%s: should not be blocked", tt.ip)
		}
	}
}

func TestNewRejectsBadEntries(t *testing.T) {
	if _, err := New([]string{"not-an-address"}); err == nil {
		t.Error("expected an error for a malformed entry")
	}
}
