package body

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// FormContentType is the content type of url-encoded form bodies.
const FormContentType = "application/x-www-form-urlencoded"

// Param is one form field. A Valueless param is encoded as its bare name.
type Param struct {
	Name      string
	Value     string
	Valueless bool
}

// Field returns a name=value param.
func Field(name, value string) Param {
	return Param{Name: name, Value: value}
}

// Flag returns a param encoded without "=value".
func Flag(name string) Param {
	return Param{Name: name, Valueless: true}
}

// NewFormBody url-encodes params in input order using charset and returns the
// eager producer. An empty charset means UTF-8.
func NewFormBody(params []Param, charset string) (*BytesBody, error) {
	data, err := EncodeForm(params, charset)
	if err != nil {
		return nil, err
	}
	contentType := FormContentType
	if charset != "" {
		contentType += "; charset=" + charset
	}
	return NewBytesBody(data, contentType), nil
}

// EncodeForm returns the url-encoded form of params. Pairs are joined with
// '&' in input order; duplicate names are kept.
func EncodeForm(params []Param, charset string) ([]byte, error) {
	var enc *encoding.Encoder
	if !isUTF8(charset) {
		e, err := ianaindex.MIME.Encoding(charset)
		if err != nil || e == nil {
			return nil, fmt.Errorf("form charset %q is not supported", charset)
		}
		enc = encoding.ReplaceUnsupported(e.NewEncoder())
	}

	var sb strings.Builder
	for i, param := range params {
		if i > 0 {
			sb.WriteByte('&')
		}
		if err := appendFormElement(&sb, param.Name, enc); err != nil {
			return nil, err
		}
		if !param.Valueless {
			sb.WriteByte('=')
			if err := appendFormElement(&sb, param.Value, enc); err != nil {
				return nil, err
			}
		}
	}
	return []byte(sb.String()), nil
}

func appendFormElement(sb *strings.Builder, s string, enc *encoding.Encoder) error {
	if enc == nil {
		appendPercentEncoded(sb, s)
		return nil
	}
	encoded, err := enc.String(s)
	if err != nil {
		return fmt.Errorf("encode form field: %w", err)
	}
	appendPercentEncoded(sb, encoded)
	return nil
}

const upperHex = "0123456789ABCDEF"

// appendPercentEncoded applies form encoding to the raw bytes of s: the
// characters A-Z a-z 0-9 - . _ * pass through, space becomes '+', every other
// byte becomes %XX.
func appendPercentEncoded(sb *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case isFormSafe(c):
			sb.WriteByte(c)
		case c == ' ':
			sb.WriteByte('+')
		default:
			sb.WriteByte('%')
			sb.WriteByte(upperHex[c>>4])
			sb.WriteByte(upperHex[c&0x0f])
		}
	}
}

func isFormSafe(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '*':
		return true
	}
	return false
}

func isUTF8(charset string) bool {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "", "utf-8", "utf8":
		return true
	}
	return false
}
