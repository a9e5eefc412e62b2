package variables

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wudi/gatekeeper/internal/identity"
)

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"remote addr", nil, "10.0.0.1:1234", "10.0.0.1"},
		{"forwarded for", map[string]string{"X-Forwarded-For": " 1.2.3.4 , 10.0.0.2"}, "10.0.0.1:1234", "1.2.3.4"},
		{"real ip", map[string]string{"X-Real-IP": "5.6.7.8"}, "10.0.0.1:1234", "5.6.7.8"},
		{"no port", nil, "10.0.0.9", "10.0.0.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ExtractClientIP(r); got != tt.want {
				t.Errorf("ExtractClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/users?page=1", nil)
	r.Header.Set("X-Client-Id", "abc")
	snap := Snapshot(r)

	r.Header.Set("X-Client-Id", "changed")
	if snap.Header.Get("X-Client-Id") != "abc" {
		t.Error("snapshot must not observe later header writes")
	}
	if snap.Path != "/api/users" || snap.RawQuery != "page=1" || snap.Method != "GET" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestAttachReusesContext(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r, vc := Attach(r)
	vc.RequestID = "req-1"

	r2, vc2 := Attach(r)
	if vc2 != vc || r2 != r {
		t.Error("Attach must return the existing context")
	}
	if GetFromRequest(r).RequestID != "req-1" {
		t.Error("GetFromRequest lost the attached context")
	}
	if FromContext(context.Background()) != nil {
		t.Error("expected nil from an empty context")
	}
}

func TestTemplateRender(t *testing.T) {
	r := httptest.NewRequest("POST", "/orders?x=1", nil)
	r.Header.Set("User-Agent", "curl/8")
	vc := NewContext(r)
	vc.RequestID = "req-9"
	vc.Status = 201
	vc.BodyBytesSent = 12
	vc.ResponseTime = 1500 * time.Microsecond
	vc.RouteID = "orders"
	vc.Identity = &identity.Identity{UserID: "42", UserName: "alice", Valid: true}

	tests := []struct {
		template string
		want     string
	}{
		{"$request_id", "req-9"},
		{"$request_method $request_path?$query_string", "POST /orders?x=1"},
		{"$status $body_bytes_sent $response_time", "201 12 1.500"},
		{"user=$user_id/$user_name", "user=42/alice"},
		{"$http_user_agent", "curl/8"},
		{"up=$upstream_addr", "up=-"},
		{"$nope", "-"},
		{"plain text", "plain text"},
	}
	for _, tt := range tests {
		if got := Compile(tt.template).Render(vc); got != tt.want {
			t.Errorf("Render(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}

func TestTemplateVariables(t *testing.T) {
	vars := Compile("$a $b $a-$c").Variables()
	if len(vars) != 3 || vars[0] != "a" || vars[1] != "b" || vars[2] != "c" {
		t.Errorf("unexpected variables %v", vars)
	}
}

func TestNormalizeHeaderName(t *testing.T) {
	for in, want := range map[string]string{
		"x_custom_header": "X-Custom-Header",
		"USER_AGENT":      "User-Agent",
		"x-api-version":   "X-Api-Version",
	} {
		if got := NormalizeHeaderName(in); got != want {
			t.Errorf("NormalizeHeaderName(%q) = %q, want %q", in, got, want)
		}
	}
}
