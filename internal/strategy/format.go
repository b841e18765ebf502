package strategy

import (
	"context"
	"net/http"
	"strings"
)

// Format settles the output representation of the response. It never fails.
type Format struct {
	Default string
}

// Name implements Strategy.
func (s *Format) Name() string { return "format" }

// Apply implements Strategy.
func (s *Format) Apply(_ context.Context, rc *Context) error {
	rc.Format = ResolveFormat(rc, s.Default)
	return nil
}

// ResolveFormat returns the explicit format parameter, else a format
// negotiated from the Accept header, else def.
func ResolveFormat(rc *Context, def string) string {
	if rc.Format != "" {
		return rc.Format
	}
	if rc.Request != nil {
		if f := acceptFormat(rc.Request.Header); f != "" {
			return f
		}
	}
	if def == "" {
		return FormatJSON
	}
	return def
}

func acceptFormat(h http.Header) string {
	accept := strings.ToLower(h.Get("Accept"))
	switch {
	case accept == "":
		return ""
	case strings.Contains(accept, "application/json"):
		return FormatJSON
	case strings.Contains(accept, "application/xml"), strings.Contains(accept, "text/xml"):
		return FormatXML
	}
	return ""
}
