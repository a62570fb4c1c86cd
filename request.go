package wafproxy

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const defaultBodyInspectLimit = 1 << 20 // 1 MiB

// RequestValueExtractor builds the inspectable variables of one request.
// Values are computed lazily and memoised, so a variable shared by many
// rules is extracted once.
type RequestValueExtractor struct {
	r    *http.Request
	body []byte

	cache map[string]string
	args  []queryPair
	argsP bool
}

type queryPair struct {
	key, value string
}

// NewRequestValueExtractor truncates body to limit before anything else
// touches it.
func NewRequestValueExtractor(r *http.Request, body []byte, limit int64) *RequestValueExtractor {
	if limit <= 0 {
		limit = defaultBodyInspectLimit
	}
	if int64(len(body)) > limit {
		body = body[:limit]
	}
	return &RequestValueExtractor{r: r, body: body, cache: map[string]string{}}
}

// Value returns the string form of a variable. The boolean is false when
// the request has nothing for it.
func (x *RequestValueExtractor) Value(spec VariableSpec) (string, bool) {
	key := spec.String()
	if v, ok := x.cache[key]; ok {
		return v, v != ""
	}
	v := x.extract(spec)
	x.cache[key] = v
	return v, v != ""
}

func (x *RequestValueExtractor) extract(spec VariableSpec) string {
	r := x.r
	switch spec.Type {
	case VarRequestLine:
		return r.Method + " " + r.URL.RequestURI() + " " + r.Proto
	case VarArgs:
		pairs := x.queryPairs()
		parts := make([]string, 0, len(pairs))
		for _, p := range pairs {
			parts = append(parts, p.key+"="+p.value)
		}
		return strings.Join(parts, "&")
	case VarArgsNames:
		pairs := x.queryPairs()
		names := make([]string, 0, len(pairs))
		for _, p := range pairs {
			names = append(names, p.key)
		}
		return strings.Join(names, "&")
	case VarHeaders:
		return headerLines(r, spec.Names)
	case VarBody:
		return string(x.body)
	case VarCookie:
		if len(spec.Names) == 0 {
			return strings.Join(r.Header.Values("Cookie"), "; ")
		}
		var parts []string
		for _, c := range r.Cookies() {
			if containsFold(spec.Names, c.Name) {
				parts = append(parts, c.Name+"="+c.Value)
			}
		}
		return strings.Join(parts, "; ")
	case VarCookieNames:
		cookies := r.Cookies()
		names := make([]string, 0, len(cookies))
		for _, c := range cookies {
			names = append(names, c.Name)
		}
		return strings.Join(names, "; ")
	case VarRequestFilename:
		return r.URL.Path
	case VarRequestBasename:
		p := r.URL.Path
		if i := strings.LastIndexByte(p, '/'); i >= 0 {
			return p[i+1:]
		}
		return p
	default:
		return ""
	}
}

// queryPairs decodes the raw query in its original order; url.Values would
// lose it.
func (x *RequestValueExtractor) queryPairs() []queryPair {
	if x.argsP {
		return x.args
	}
	x.argsP = true
	raw := x.r.URL.RawQuery
	for raw != "" {
		var part string
		part, raw, _ = strings.Cut(raw, "&")
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		x.args = append(x.args, queryPair{key: unescapeQuery(k), value: unescapeQuery(v)})
	}
	return x.args
}

func unescapeQuery(s string) string {
	if out, err := url.QueryUnescape(s); err == nil {
		return out
	}
	return urlDecode(s, false, true)
}

// headerLines renders "Name: value" lines in sorted name order. Host lives
// outside r.Header in net/http, so it is added back.
func headerLines(r *http.Request, filter []string) string {
	names := make([]string, 0, len(r.Header)+1)
	for name := range r.Header {
		names = append(names, name)
	}
	if r.Host != "" && r.Header.Get("Host") == "" {
		names = append(names, "Host")
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		if len(filter) > 0 && !containsFold(filter, name) {
			continue
		}
		values := r.Header.Values(name)
		if name == "Host" && len(values) == 0 {
			values = []string{r.Host}
		}
		for _, v := range values {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(name)
			sb.WriteString(": ")
			sb.WriteString(v)
		}
	}
	return sb.String()
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), s) {
			return true
		}
	}
	return false
}
