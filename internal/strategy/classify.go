package strategy

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/blueberrycongee/vortex/internal/auth"
	"github.com/blueberrycongee/vortex/internal/httputil"
	gwerrors "github.com/blueberrycongee/vortex/pkg/errors"
)

// Classify extracts the gateway parameters of a request.
type Classify struct {
	DefaultVersion string
	MaxBodyBytes   int64
	// Firewall resolves the caller address; nil uses the direct peer.
	Firewall *auth.Firewall
}

// Name implements Strategy.
func (s *Classify) Name() string { return "classify" }

// Apply implements Strategy.
func (s *Classify) Apply(_ context.Context, rc *Context) error {
	r := rc.Request
	rc.Params = url.Values{}
	for k, vs := range r.URL.Query() {
		rc.Params[k] = append(rc.Params[k], vs...)
	}

	if err := s.readBody(rc); err != nil {
		return err
	}

	rc.Method = strings.TrimSpace(rc.Param(ParamMethod))
	if rc.Method == "" {
		return gwerrors.NewMalformedRequest("missing required parameter: %s", ParamMethod)
	}

	if f := strings.ToLower(strings.TrimSpace(rc.Param(ParamFormat))); f != "" {
		if f != FormatJSON && f != FormatXML {
			return gwerrors.NewMalformedRequest("unsupported format %q", f)
		}
		rc.Format = f
	}

	rc.Version = strings.TrimSpace(rc.Param(ParamVersion))
	if rc.Version == "" {
		rc.Version = s.DefaultVersion
	}

	rc.Sign = rc.Param(ParamSign)
	rc.Timestamp = rc.Param(ParamTimestamp)
	rc.APIKey = rc.Param(ParamAPIKey)

	rc.Token = strings.TrimSpace(r.Header.Get(HeaderAccessToken))
	if rc.Token == "" {
		if token, err := auth.ParseAuthHeader(r.Header.Get("Authorization")); err == nil {
			rc.Token = token
		}
	}
	rc.Channel = strings.TrimSpace(r.Header.Get(HeaderChannel))
	if rc.Channel == "" {
		rc.Channel = strings.TrimSpace(r.Header.Get("X-Remote-Channel"))
	}
	rc.ClientIP = s.Firewall.ClientIP(r)

	rc.Logger = rc.Logger.With("method", rc.Method, "version", rc.Version)
	return nil
}

func (s *Classify) readBody(rc *Context) error {
	r := rc.Request
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if r.ContentLength > 0 && s.MaxBodyBytes > 0 && r.ContentLength > s.MaxBodyBytes {
		return gwerrors.NewMalformedRequest("request body exceeds %d bytes", s.MaxBodyBytes)
	}

	body, err := httputil.ReadLimitedBody(r.Body, s.MaxBodyBytes)
	if errors.Is(err, httputil.ErrBodyTooLarge) {
		return gwerrors.NewMalformedRequest("request body exceeds %d bytes", s.MaxBodyBytes)
	}
	if err != nil {
		return gwerrors.NewMalformedRequest("read request body").WithCause(err)
	}

	if isForm(r.Header.Get("Content-Type")) {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return gwerrors.NewMalformedRequest("invalid form body").WithCause(err)
		}
		for k, vs := range form {
			rc.Params[k] = append(rc.Params[k], vs...)
		}
		return nil
	}
	rc.Body = body
	return nil
}

func isForm(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/x-www-form-urlencoded"
}
