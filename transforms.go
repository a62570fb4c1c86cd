package wafproxy

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var errInvalidUTF8 = errors.New("invalid UTF-8 input")

type transformFunc func(string) (string, error)

var transformFuncs = map[Transform]transformFunc{
	TfNone:               func(s string) (string, error) { return s, nil },
	TfURLDecode:          func(s string) (string, error) { return urlDecode(s, false, false), nil },
	TfURLDecodeUni:       func(s string) (string, error) { return urlDecode(s, true, false), nil },
	TfLowercase:          func(s string) (string, error) { return strings.ToLower(s), nil },
	TfUppercase:          func(s string) (string, error) { return strings.ToUpper(s), nil },
	TfUTF8ToUnicode:      utf8ToUnicode,
	TfRemoveNulls:        func(s string) (string, error) { return strings.ReplaceAll(s, "\x00", ""), nil },
	TfReplaceComments:    func(s string) (string, error) { return replaceComments(s), nil },
	TfCompressWhitespace: func(s string) (string, error) { return compressWhitespace(s), nil },
	TfHexDecode:          hexDecode,
	TfTrim:               func(s string) (string, error) { return strings.TrimSpace(s), nil },
}

// applyTransforms runs the chain left to right. The first failing step aborts
// the chain.
func applyTransforms(s string, tfs []Transform) (string, error) {
	out := s
	for _, tf := range tfs {
		fn, ok := transformFuncs[tf]
		if !ok {
			return "", fmt.Errorf("%w %q", ErrUnknownTransform, tf)
		}
		var err error
		if out, err = fn(out); err != nil {
			return "", fmt.Errorf("transform %s: %w", tf, err)
		}
	}
	return out, nil
}

func transformsKey(tfs []Transform) string {
	if len(tfs) == 0 {
		return ""
	}
	sb := strings.Builder{}
	for i, tf := range tfs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(string(tf))
	}
	return sb.String()
}

// urlDecode is lenient: malformed escapes are kept as-is. With uni set,
// %uXXXX sequences are decoded as well. plus maps '+' to a space, which only
// query decoding wants; the transforms leave it alone.
func urlDecode(s string, uni, plus bool) string {
	if strings.IndexByte(s, '%') < 0 && (!plus || strings.IndexByte(s, '+') < 0) {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '+' && plus:
			sb.WriteByte(' ')
		case c != '%':
			sb.WriteByte(c)
		case uni && i+5 < len(s) && (s[i+1] == 'u' || s[i+1] == 'U') && isHex(s[i+2:i+6]):
			v, _ := strconv.ParseUint(s[i+2:i+6], 16, 32)
			sb.WriteRune(rune(v))
			i += 5
		case i+2 < len(s) && isHex(s[i+1:i+3]):
			v, _ := strconv.ParseUint(s[i+1:i+3], 16, 8)
			sb.WriteByte(byte(v))
			i += 2
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return len(s) > 0
}

// utf8ToUnicode rewrites every non-ASCII code point as %uXXXX.
func utf8ToUnicode(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", errInvalidUTF8
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if r < utf8.RuneSelf {
			sb.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			fmt.Fprintf(&sb, "%%u%04x", r>>10+0xD7C0)
			fmt.Fprintf(&sb, "%%u%04x", r&0x3FF+0xDC00)
			continue
		}
		fmt.Fprintf(&sb, "%%u%04x", r)
	}
	return sb.String(), nil
}

// replaceComments replaces each /* ... */ block with one space. An
// unterminated comment runs to the end of the input.
func replaceComments(s string) string {
	var sb strings.Builder
	for {
		start := strings.Index(s, "/*")
		if start < 0 {
			sb.WriteString(s)
			return sb.String()
		}
		sb.WriteString(s[:start])
		sb.WriteByte(' ')
		end := strings.Index(s[start+2:], "*/")
		if end < 0 {
			return sb.String()
		}
		s = s[start+2+end+2:]
	}
}

func compressWhitespace(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !inSpace {
				sb.WriteByte(' ')
			}
			inSpace = true
			continue
		}
		inSpace = false
		sb.WriteRune(r)
	}
	return sb.String()
}

func hexDecode(s string) (string, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
