// Package asset defines the routable backend catalog entries served by the gateway.
package asset

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Mode selects the downstream protocol family of an asset.
type Mode string

// Supported routing modes.
const (
	ModeHTTP           Mode = "HTTP"
	ModeMQ             Mode = "MQ"
	ModeSSE            Mode = "SSE"
	ModeSTDIO          Mode = "STDIO"
	ModeOpenAPI        Mode = "OPENAPI"
	ModeStreamableHTTP Mode = "STREAMABLE_HTTP"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeHTTP, ModeMQ, ModeSSE, ModeSTDIO, ModeOpenAPI, ModeStreamableHTTP:
		return true
	}
	return false
}

// Verb is the HTTP verb used to call an asset.
type Verb string

// Supported verbs.
const (
	VerbGet     Verb = "GET"
	VerbPost    Verb = "POST"
	VerbHead    Verb = "HEAD"
	VerbPut     Verb = "PUT"
	VerbPatch   Verb = "PATCH"
	VerbDelete  Verb = "DELETE"
	VerbOptions Verb = "OPTIONS"
	VerbTrace   Verb = "TRACE"
)

// Valid reports whether v is a known verb.
func (v Verb) Valid() bool {
	switch v {
	case VerbGet, VerbPost, VerbHead, VerbPut, VerbPatch, VerbDelete, VerbOptions, VerbTrace:
		return true
	}
	return false
}

// Idempotent reports whether calls with this verb may be retried automatically.
func (v Verb) Idempotent() bool {
	return v == VerbGet || v == VerbHead || v == VerbOptions
}

// Balance strategies for replica selection.
const (
	BalanceRandom     = "random"
	BalanceRoundRobin = "round_robin"
	BalanceFirst      = "first"
)

const (
	// DefaultTimeout is applied when an asset does not set one.
	DefaultTimeout = 10 * time.Second

	// DefaultWeight is applied when an asset does not set one.
	DefaultWeight = 1
)

// Asset is one routable backend operation. Assets are immutable once
// published into the registry.
type Asset struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`

	Host   string `json:"host" yaml:"host"`
	Port   int    `json:"port" yaml:"port"`
	Path   string `json:"path" yaml:"path"`
	Scheme string `json:"scheme,omitempty" yaml:"scheme,omitempty"`
	Method string `json:"method" yaml:"method"`

	Mode Mode `json:"mode" yaml:"mode"`
	Type Verb `json:"type" yaml:"type"`

	Token    int    `json:"token" yaml:"token"`
	Sign     int    `json:"sign" yaml:"sign"`
	Firewall string `json:"firewall,omitempty" yaml:"firewall,omitempty"`

	Retries int    `json:"retries" yaml:"retries"`
	Balance string `json:"balance,omitempty" yaml:"balance,omitempty"`
	Weight  int    `json:"weight" yaml:"weight"`
	// Timeout is in milliseconds.
	Timeout int `json:"timeout" yaml:"timeout"`

	// RateCapacity requests are allowed per RateWindow milliseconds.
	RateCapacity int `json:"rate_capacity,omitempty" yaml:"rate_capacity,omitempty"`
	RateWindow   int `json:"rate_window,omitempty" yaml:"rate_window,omitempty"`

	Args     string `json:"args,omitempty" yaml:"args,omitempty"`
	Command  string `json:"command,omitempty" yaml:"command,omitempty"`
	Metadata string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Key identifies an asset. It is the only field used for equality.
func (a *Asset) Key() string {
	return a.ID
}

// Equal reports whether a and b describe the same asset.
func (a *Asset) Equal(b *Asset) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

// RequiresToken reports whether callers must present an access token.
func (a *Asset) RequiresToken() bool { return a.Token == 1 }

// RequiresSign reports whether callers must sign their requests.
func (a *Asset) RequiresSign() bool { return a.Sign == 1 }

// URL composes the base URL of the asset from host, port and path.
func (a *Asset) URL() string {
	scheme := a.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := a.Host
	if a.Port > 0 {
		host = net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
	}
	path := a.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + "://" + host + path
}

// TimeoutDuration returns the call deadline for the asset.
func (a *Asset) TimeoutDuration() time.Duration {
	if a.Timeout <= 0 {
		return DefaultTimeout
	}
	return time.Duration(a.Timeout) * time.Millisecond
}

// EffectiveWeight returns the replica weight, defaulting to 1.
func (a *Asset) EffectiveWeight() int {
	if a.Weight <= 0 {
		return DefaultWeight
	}
	return a.Weight
}

// MetadataMap decodes Metadata as a JSON object. Empty metadata yields an empty map.
func (a *Asset) MetadataMap() (map[string]any, error) {
	out := make(map[string]any)
	if strings.TrimSpace(a.Metadata) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(a.Metadata), &out); err != nil {
		return nil, fmt.Errorf("asset %s: decode metadata: %w", a.ID, err)
	}
	return out, nil
}

// ArgList splits Args into process arguments. A JSON array is decoded as is;
// anything else is split on whitespace.
func (a *Asset) ArgList() ([]string, error) {
	raw := strings.TrimSpace(a.Args)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var out []string
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("asset %s: decode args: %w", a.ID, err)
		}
		return out, nil
	}
	return strings.Fields(raw), nil
}

// Normalize fills defaults in place. It is applied before validation when a
// catalog is loaded.
func (a *Asset) Normalize() {
	a.Mode = Mode(strings.ToUpper(string(a.Mode)))
	a.Type = Verb(strings.ToUpper(string(a.Type)))
	if a.Mode == "" {
		a.Mode = ModeHTTP
	}
	if a.Type == "" {
		a.Type = VerbGet
	}
	if a.Timeout <= 0 {
		a.Timeout = int(DefaultTimeout / time.Millisecond)
	}
	if a.Balance == "" {
		a.Balance = BalanceRandom
	}
}

// Validate checks the asset for errors.
func (a *Asset) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.Method == "" {
		return fmt.Errorf("asset %s: method is required", a.ID)
	}
	if !a.Mode.Valid() {
		return fmt.Errorf("asset %s: unknown mode %q", a.ID, a.Mode)
	}
	if !a.Type.Valid() {
		return fmt.Errorf("asset %s: unknown type %q", a.ID, a.Type)
	}
	switch a.Mode {
	case ModeSTDIO:
		if a.Command == "" {
			return fmt.Errorf("asset %s: command is required for %s", a.ID, a.Mode)
		}
	case ModeMQ:
		// Subject comes from metadata, path or method.
	default:
		if a.Host == "" {
			return fmt.Errorf("asset %s: host is required for %s", a.ID, a.Mode)
		}
	}
	if a.Port < 0 || a.Port > 65535 {
		return fmt.Errorf("asset %s: invalid port %d", a.ID, a.Port)
	}
	if a.Token != 0 && a.Token != 1 {
		return fmt.Errorf("asset %s: token must be 0 or 1", a.ID)
	}
	if a.Sign != 0 && a.Sign != 1 {
		return fmt.Errorf("asset %s: sign must be 0 or 1", a.ID)
	}
	if a.Retries < 0 {
		return fmt.Errorf("asset %s: retries cannot be negative", a.ID)
	}
	if a.Weight < 0 {
		return fmt.Errorf("asset %s: weight cannot be negative", a.ID)
	}
	if a.Timeout < 0 {
		return fmt.Errorf("asset %s: timeout cannot be negative", a.ID)
	}
	if a.RateCapacity < 0 || a.RateWindow < 0 {
		return fmt.Errorf("asset %s: rate limits cannot be negative", a.ID)
	}
	switch a.Balance {
	case "", BalanceRandom, BalanceRoundRobin, BalanceFirst:
	default:
		return fmt.Errorf("asset %s: unknown balance %q", a.ID, a.Balance)
	}
	return nil
}

// ReplicaCompatible reports whether b may serve as a replica of a: both must
// share routing and security policy.
func (a *Asset) ReplicaCompatible(b *Asset) bool {
	return a.Mode == b.Mode &&
		a.Type == b.Type &&
		a.Token == b.Token &&
		a.Sign == b.Sign &&
		a.Firewall == b.Firewall
}
