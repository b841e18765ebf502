package strategy

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blueberrycongee/vortex/internal/auth"
	"github.com/blueberrycongee/vortex/internal/limiter"
	"github.com/blueberrycongee/vortex/pkg/asset"
)

// Reserved request parameters consumed by the gateway.
const (
	ParamMethod    = "method"
	ParamFormat    = "format"
	ParamVersion   = "v"
	ParamSign      = "sign"
	ParamTimestamp = "timestamp"
	ParamAPIKey    = "apiKey"
	ParamBodyHash  = auth.BodyDigestParam
)

// Request headers read by the gateway.
const (
	HeaderAccessToken = "X-Access-Token"
	HeaderChannel     = "x_remote_channel"
)

// ReservedParams are stripped before a request is forwarded downstream.
var ReservedParams = []string{ParamMethod, ParamFormat, ParamVersion, ParamSign, ParamTimestamp, ParamAPIKey, ParamBodyHash}

// Output formats.
const (
	FormatJSON = "json"
	FormatXML  = "xml"
)

// Context is the per-request state threaded through the strategy chain and
// into the router. It is created once per request and never shared.
type Context struct {
	Request   *http.Request
	Prefix    string
	RequestID string
	StartTime time.Time
	Logger    *slog.Logger

	Method    string
	Version   string
	Format    string
	Sign      string
	Timestamp string
	APIKey    string
	Token     string
	Channel   string
	ClientIP  string

	// Params merges query and form values.
	Params url.Values
	// Body holds the raw request body when it was not a form.
	Body []byte

	Asset     *asset.Asset
	Replicas  []*asset.Asset
	Principal *auth.Principal
	// Exempt is set when a firewall exception rule matched. Exempt requests
	// skip rate limiting.
	Exempt  bool
	Verdict *limiter.Verdict

	Err error
}

// NewContext creates the context of one request.
func NewContext(r *http.Request, prefix, requestID string) *Context {
	return &Context{
		Request:   r,
		Prefix:    prefix,
		RequestID: requestID,
		StartTime: time.Now(),
		Logger:    slog.Default(),
		Params:    url.Values{},
	}
}

// Subpath returns the request path below the matched prefix, always starting with "/".
func (c *Context) Subpath() string {
	if c.Request == nil {
		return "/"
	}
	rest := strings.TrimPrefix(c.Request.URL.Path, c.Prefix)
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}

// Param returns the first value of a merged parameter.
func (c *Context) Param(name string) string {
	return c.Params.Get(name)
}

// ForwardParams returns the merged parameters without the gateway's reserved keys.
func (c *Context) ForwardParams() url.Values {
	out := make(url.Values, len(c.Params))
	for k, vs := range c.Params {
		out[k] = append([]string(nil), vs...)
	}
	for _, k := range ReservedParams {
		delete(out, k)
	}
	return out
}

// Caller identifies the caller for per-caller quotas.
func (c *Context) Caller() string {
	switch {
	case c.Principal != nil && c.Principal.Subject != "":
		return c.Principal.Subject
	case c.APIKey != "":
		return c.APIKey
	default:
		return c.ClientIP
	}
}

// Elapsed returns the time since the request started.
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.StartTime)
}
