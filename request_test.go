package wafproxy

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestValueExtractor(t *testing.T) {
	r := httptest.NewRequest("POST", "http://example.com/static/app.js?b=2&a=%3Cscript%3E&flag", strings.NewReader(""))
	r.Header.Set("User-Agent", "sqlmap/1.7")
	r.Header.Set("Accept", "*/*")
	r.Header.Set("Cookie", "theme=dark; session=abc123")

	x := NewRequestValueExtractor(r, []byte("comment=hello world"), 7)

	tests := []struct {
		name   string
		spec   VariableSpec
		want   string
		wantOK bool
	}{
		{name: "request line", spec: VariableSpec{Type: VarRequestLine}, want: "POST /static/app.js?b=2&a=%3Cscript%3E&flag HTTP/1.1", wantOK: true},
		{name: "args keep order and decode", spec: VariableSpec{Type: VarArgs}, want: "b=2&a=<script>&flag=", wantOK: true},
		{name: "arg names", spec: VariableSpec{Type: VarArgsNames}, want: "b&a&flag", wantOK: true},
		{name: "all headers sorted with host", spec: VariableSpec{Type: VarHeaders},
			want:   "Accept: */*\nCookie: theme=dark; session=abc123\nHost: example.com\nUser-Agent: sqlmap/1.7",
			wantOK: true},
		{name: "named header", spec: VariableSpec{Type: VarHeaders, Names: []string{"user-agent"}}, want: "User-Agent: sqlmap/1.7", wantOK: true},
		{name: "missing header", spec: VariableSpec{Type: VarHeaders, Names: []string{"Referer"}}, want: "", wantOK: false},
		{name: "body truncated", spec: VariableSpec{Type: VarBody}, want: "comment", wantOK: true},
		{name: "all cookies", spec: VariableSpec{Type: VarCookie}, want: "theme=dark; session=abc123", wantOK: true},
		{name: "named cookie", spec: VariableSpec{Type: VarCookie, Names: []string{"session"}}, want: "session=abc123", wantOK: true},
		{name: "cookie names", spec: VariableSpec{Type: VarCookieNames}, want: "theme; session", wantOK: true},
		{name: "filename", spec: VariableSpec{Type: VarRequestFilename}, want: "/static/app.js", wantOK: true},
		{name: "basename", spec: VariableSpec{Type: VarRequestBasename}, want: "app.js", wantOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := x.Value(tt.spec)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)

			again, _ := x.Value(tt.spec)
			assert.Equal(t, got, again)
		})
	}
}

func TestRequestValueExtractor_Empty(t *testing.T) {
	r := httptest.NewRequest("GET", "http://example.com/", nil)
	x := NewRequestValueExtractor(r, nil, 0)

	for _, typ := range []VariableType{VarArgs, VarArgsNames, VarBody, VarCookie, VarCookieNames, VarRequestBasename} {
		v, ok := x.Value(VariableSpec{Type: typ})
		assert.Empty(t, v, typ.String())
		assert.False(t, ok, typ.String())
	}
}

func TestRequestValueExtractor_MalformedEscape(t *testing.T) {
	r := httptest.NewRequest("GET", "http://example.com/", nil)
	r.URL.RawQuery = "q=100%&x=%41"
	x := NewRequestValueExtractor(r, nil, 0)

	got, ok := x.Value(VariableSpec{Type: VarArgs})
	assert.True(t, ok)
	assert.Equal(t, "q=100%&x=A", got, "invalid escapes are kept literally")
}
