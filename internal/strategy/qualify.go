package strategy

import (
	"context"

	"github.com/blueberrycongee/vortex/internal/auth"
	"github.com/blueberrycongee/vortex/internal/registry"
	gwerrors "github.com/blueberrycongee/vortex/pkg/errors"
)

// Qualify resolves the asset and enforces its security policy.
type Qualify struct {
	Registry   *registry.Registry
	Tokens     auth.TokenVerifier
	Signatures *auth.SignatureVerifier
	Firewall   *auth.Firewall
}

// Name implements Strategy.
func (s *Qualify) Name() string { return "qualify" }

// Apply implements Strategy.
func (s *Qualify) Apply(ctx context.Context, rc *Context) error {
	route, ok := s.Registry.Route(rc.Method, rc.Version)
	if !ok {
		return gwerrors.NewAssetNotFound(rc.Method, rc.Version)
	}
	rc.Asset = route.Asset
	rc.Replicas = route.Replicas
	a := route.Asset

	if a.Firewall != "" && s.Firewall.Allows(a.Firewall, rc.ClientIP, rc.Channel) {
		rc.Exempt = true
		subject := rc.Channel
		if subject == "" {
			subject = rc.ClientIP
		}
		rc.Principal = &auth.Principal{Subject: subject, Source: "firewall"}
		return nil
	}

	if a.RequiresToken() {
		if rc.Token == "" {
			return gwerrors.NewUnauthorized("access token is required")
		}
		if s.Tokens == nil {
			return gwerrors.NewUnauthorized("access token is invalid")
		}
		p, err := s.Tokens.Verify(ctx, rc.Token)
		if err != nil {
			return gwerrors.NewUnauthorized("access token is invalid").WithCause(err)
		}
		rc.Principal = p
	}

	if a.RequiresSign() {
		if s.Signatures == nil {
			return gwerrors.NewInvalidSignature("request signing is not configured")
		}
		if err := s.Signatures.VerifyRequest(rc.Params, rc.Body); err != nil {
			return gwerrors.NewInvalidSignature(err.Error()).WithCause(err)
		}
	}
	return nil
}
