package variables

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// varPattern matches $variable_name
var varPattern = regexp.MustCompile(`\$([a-zA-Z_][a-zA-Z0-9_]*)`)

// DefaultAccessLogFormat is used when logging.access_log.format is empty.
const DefaultAccessLogFormat = `$client_ip - $user_id [$time_iso8601] "$request_method $request_path" $status $body_bytes_sent $response_time route=$route_id upstream=$upstream_addr gray=$gray_eligible`

// Template is a compiled $variable template.
type Template struct {
	raw   string
	parts []part
}

type part struct {
	variable bool
	value    string
}

// Compile splits template into literal and variable parts.
func Compile(template string) *Template {
	t := &Template{raw: template}
	last := 0
	for _, loc := range varPattern.FindAllStringSubmatchIndex(template, -1) {
		if loc[0] > last {
			t.parts = append(t.parts, part{value: template[last:loc[0]]})
		}
		t.parts = append(t.parts, part{variable: true, value: template[loc[2]:loc[3]]})
		last = loc[1]
	}
	if last < len(template) {
		t.parts = append(t.parts, part{value: template[last:]})
	}
	return t
}

// Variables returns the distinct variable names used by the template.
func (t *Template) Variables() []string {
	var names []string
	seen := make(map[string]bool)
	for _, p := range t.parts {
		if p.variable && !seen[p.value] {
			seen[p.value] = true
			names = append(names, p.value)
		}
	}
	return names
}

// Render substitutes each variable with its value in vc. Unknown variables
// render as "-".
func (t *Template) Render(vc *Context) string {
	var b strings.Builder
	b.Grow(len(t.raw) + 32)
	for _, p := range t.parts {
		if !p.variable {
			b.WriteString(p.value)
			continue
		}
		v, ok := Lookup(p.value, vc)
		if !ok || v == "" {
			v = "-"
		}
		b.WriteString(v)
	}
	return b.String()
}

// Lookup resolves a single variable against vc.
func Lookup(name string, vc *Context) (string, bool) {
	if vc == nil {
		return "", false
	}
	if header, ok := strings.CutPrefix(name, "http_"); ok {
		if vc.Inbound == nil {
			return "", true
		}
		return vc.Inbound.Header.Get(NormalizeHeaderName(header)), true
	}

	switch name {
	case "request_id":
		return vc.RequestID, true
	case "client_ip":
		return vc.ClientIP, true
	case "remote_addr":
		if vc.Inbound != nil {
			return vc.Inbound.RemoteAddr, true
		}
	case "request_method":
		if vc.Inbound != nil {
			return vc.Inbound.Method, true
		}
	case "request_path":
		if vc.Inbound != nil {
			return vc.Inbound.Path, true
		}
	case "query_string":
		if vc.Inbound != nil {
			return vc.Inbound.RawQuery, true
		}
	case "status":
		return strconv.Itoa(vc.Status), true
	case "body_bytes_sent":
		return strconv.FormatInt(vc.BodyBytesSent, 10), true
	case "response_time":
		return strconv.FormatFloat(vc.ResponseTime.Seconds()*1000, 'f', 3, 64), true
	case "route_id":
		return vc.RouteID, true
	case "service_id":
		return vc.ServiceID, true
	case "upstream_addr":
		return vc.UpstreamAddr, true
	case "gray_eligible":
		return strconv.FormatBool(vc.GrayEligible), true
	case "tier":
		return vc.Tier, true
	case "user_id":
		return vc.UserID(), true
	case "user_name":
		if vc.Identity != nil {
			return vc.Identity.UserName, true
		}
		return "", true
	case "time_iso8601":
		return time.Now().Format(time.RFC3339), true
	case "time_unix":
		return strconv.FormatInt(time.Now().Unix(), 10), true
	}
	return "", false
}

// NormalizeHeaderName converts x_custom_header to X-Custom-Header.
func NormalizeHeaderName(name string) string {
	buf := []byte(name)
	upper := true
	for i, c := range buf {
		switch {
		case c == '_' || c == '-':
			buf[i] = '-'
			upper = true
		case upper:
			if 'a' <= c && c <= 'z' {
				buf[i] = c - 'a' + 'A'
			}
			upper = false
		default:
			if 'A' <= c && c <= 'Z' {
				buf[i] = c - 'A' + 'a'
			}
		}
	}
	return string(buf)
}
