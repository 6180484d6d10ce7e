package metrics

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var friendlyNames = map[string]string{
	"httpclient.ConnectError":       "Connection failed",
	"httpclient.WriteError":         "Request write failed",
	"httpclient.ProtocolError":      "Protocol error",
	"httpclient.ResourceError":      "Body source error",
	"httpclient.ClosedError":        "Channel closed",
	"httpclient.TimeoutError":       "Request timed out",
	"runner.HTTPError":              "HTTP error response",
	"url.Error":                     "Request URL error",
	"context.deadlineExceededError": "Context deadline exceeded",
	"errors.errorString":            "Error",
	"fmt.wrapError":                 "Wrapped error",
}

// FriendlyErrorName turns a %T error type into a report label, e.g.
// "*net.OpError" becomes "Op Error (net)".
func FriendlyErrorName(typeName string) string {
	name := strings.TrimPrefix(strings.TrimSpace(typeName), "*")
	if name == "" {
		return "Unknown error"
	}
	if friendly, ok := friendlyNames[name]; ok {
		return friendly
	}
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	pkg, typ, found := strings.Cut(name, ".")
	if !found {
		pkg, typ = "", name
	}
	label := strings.Join(splitCamel(typ), " ")
	if pkg == "" || pkg == "main" {
		return label
	}
	return label + " (" + pkg + ")"
}

// splitCamel splits an identifier into title-cased words, keeping acronyms
// such as "TLS" whole.
func splitCamel(s string) []string {
	title := cases.Title(language.English, cases.NoLower)
	runes := []rune(s)
	var words []string
	start := 0
	for i := 1; i < len(runes); i++ {
		r, prev := runes[i], runes[i-1]
		nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
		switch {
		case unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev) || unicode.IsUpper(prev) && nextLower),
			unicode.IsDigit(r) && !unicode.IsDigit(prev):
			words = append(words, title.String(string(runes[start:i])))
			start = i
		}
	}
	if start < len(runes) {
		words = append(words, title.String(string(runes[start:])))
	}
	return words
}
