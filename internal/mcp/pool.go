package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/blueberrycongee/vortex/pkg/asset"
)

// DefaultConnectTimeout bounds transport start and protocol initialization.
const DefaultConnectTimeout = 30 * time.Second

type session struct {
	fingerprint string
	ready       chan struct{}
	client      *client.Client
	err         error
}

// Pool caches one initialized client per asset. A session is rebuilt when the
// asset's connection parameters change and dropped when a call fails.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*session // asset ID -> session

	dial    Dialer
	timeout time.Duration
	logger  *slog.Logger

	// Transports such as SSE stay bound to the context they were started with.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDialer replaces the transport builder.
func WithDialer(d Dialer) PoolOption {
	return func(p *Pool) { p.dial = d }
}

// WithConnectTimeout bounds session establishment.
func WithConnectTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.timeout = d }
}

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates an empty session pool.
func NewPool(opts ...PoolOption) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		sessions: make(map[string]*session),
		dial:     Dial,
		timeout:  DefaultConnectTimeout,
		logger:   slog.Default(),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fingerprint digests the fields that determine how an asset is reached.
func Fingerprint(a *asset.Asset) string {
	h := sha256.New()
	for _, part := range []string{string(a.Mode), a.URL(), a.Command, a.Args, a.Metadata} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Get returns the session of a, connecting on first use. Concurrent callers
// for the same asset share one connection attempt.
func (p *Pool) Get(ctx context.Context, a *asset.Asset) (*client.Client, error) {
	fp := Fingerprint(a)

	p.mu.Lock()
	s, ok := p.sessions[a.ID]
	if ok && s.fingerprint != fp {
		delete(p.sessions, a.ID)
		go p.closeSession(a.ID, s)
		ok = false
	}
	if !ok {
		s = &session{fingerprint: fp, ready: make(chan struct{})}
		p.sessions[a.ID] = s
		p.mu.Unlock()

		s.client, s.err = p.connect(a)
		close(s.ready)
		if s.err != nil {
			p.remove(a.ID, s)
			recordConnection(a.ID, false)
		} else {
			recordConnection(a.ID, true)
		}
	} else {
		p.mu.Unlock()
	}

	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.client, nil
}

func (p *Pool) connect(a *asset.Asset) (*client.Client, error) {
	c, err := p.dial(a)
	if err != nil {
		return nil, err
	}
	if err := c.Start(p.baseCtx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("start mcp transport: %w", err)
	}

	ctx, cancel := context.WithTimeout(p.baseCtx, p.timeout)
	defer cancel()
	_, err = c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    ClientName,
				Version: ClientVersion,
			},
		},
	})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize mcp session: %w", err)
	}
	p.logger.Info("mcp session established", "asset", a.ID, "mode", a.Mode)
	return c, nil
}

// Drop closes the session of assetID if it still uses c.
func (p *Pool) Drop(assetID string, c *client.Client) {
	p.mu.Lock()
	s, ok := p.sessions[assetID]
	if !ok || s.client != c {
		p.mu.Unlock()
		return
	}
	delete(p.sessions, assetID)
	p.mu.Unlock()

	p.closeSession(assetID, s)
}

func (p *Pool) remove(assetID string, s *session) {
	p.mu.Lock()
	if p.sessions[assetID] == s {
		delete(p.sessions, assetID)
	}
	p.mu.Unlock()
}

func (p *Pool) closeSession(assetID string, s *session) {
	<-s.ready
	if s.client == nil {
		return
	}
	if err := s.client.Close(); err != nil {
		p.logger.Warn("close mcp session", "asset", assetID, "error", err)
	}
	recordConnection(assetID, false)
}

// Retain closes the sessions of assets not in keep.
func (p *Pool) Retain(keep map[string]bool) {
	p.mu.Lock()
	var stale []string
	for id := range p.sessions {
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()
	for _, id := range stale {
		p.mu.Lock()
		s, ok := p.sessions[id]
		delete(p.sessions, id)
		p.mu.Unlock()
		if ok {
			go p.closeSession(id, s)
		}
	}
}

// Len returns the number of cached sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Close shuts every session down.
func (p *Pool) Close() error {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*session)
	p.mu.Unlock()

	var errs []string
	for id, s := range sessions {
		<-s.ready
		if s.client == nil {
			continue
		}
		if err := s.client.Close(); err != nil {
			errs = append(errs, id+": "+err.Error())
		}
	}
	p.cancel()
	if len(errs) > 0 {
		return fmt.Errorf("close mcp sessions: %s", strings.Join(errs, "; "))
	}
	return nil
}
