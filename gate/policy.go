package gate

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jmcleod/sudogate/registry"
)

// Tier is the policy level for gated operations on a non-interactive
// surface.
type Tier string

const (
	// TierDisabled rejects every gated operation on the surface, with
	// no audit. For CLI and scheduled jobs this terminates the surface
	// outright.
	TierDisabled Tier = "disabled"
	// TierLimited rejects gated operations and audits each rejection.
	TierLimited Tier = "limited"
	// TierUnrestricted installs no interception on the surface.
	TierUnrestricted Tier = "unrestricted"
)

func validTier(t Tier) bool {
	return t == TierDisabled || t == TierLimited || t == TierUnrestricted
}

// Policies configures each non-interactive surface independently.
// APIKeyOverrides maps an API key id to a tier that takes precedence
// over the global API tier for that credential.
type Policies struct {
	API       Tier
	CLI       Tier
	Cron      Tier
	LegacyRPC Tier

	APIKeyOverrides map[string]Tier
}

func (p Policies) withDefaults() Policies {
	if p.API == "" {
		p.API = TierLimited
	}
	if p.CLI == "" {
		p.CLI = TierLimited
	}
	if p.Cron == "" {
		p.Cron = TierLimited
	}
	if p.LegacyRPC == "" {
		p.LegacyRPC = TierLimited
	}
	return p
}

// Validate rejects unknown tier values.
func (p Policies) Validate() error {
	for _, t := range []Tier{p.API, p.CLI, p.Cron, p.LegacyRPC} {
		if t != "" && !validTier(t) {
			return errors.New("gate: unknown policy tier " + string(t))
		}
	}
	for id, t := range p.APIKeyOverrides {
		if !validTier(t) {
			return errors.New("gate: unknown policy tier " + string(t) + " for api key " + id)
		}
	}
	return nil
}

func (p Policies) forSurface(surface registry.Surface) Tier {
	switch surface {
	case registry.SurfaceAPI:
		return p.API
	case registry.SurfaceCLI:
		return p.CLI
	case registry.SurfaceCron:
		return p.Cron
	case registry.SurfaceLegacyRPC:
		return p.LegacyRPC
	default:
		return TierUnrestricted
	}
}

// forAPIKey resolves the effective tier for an API-key caller: the
// per-credential override wins over the global API tier.
func (p Policies) forAPIKey(keyID string) Tier {
	if t, ok := p.APIKeyOverrides[keyID]; ok {
		return t
	}
	return p.API
}

// Errors returned by the non-HTTP guards.
var (
	// ErrSurfaceDisabled means the whole surface is shut off; callers
	// on CLI or scheduled-job surfaces should terminate immediately.
	ErrSurfaceDisabled = errors.New("gate: surface disabled by policy")
	// ErrElevationRequired means a gated mutation was reached on a
	// limited surface with no elevation path.
	ErrElevationRequired = errors.New("gate: operation requires an elevated session")
)

// CheckSurface is the early, once-per-invocation check for CLI,
// scheduled-job, and legacy-RPC surfaces. A disabled tier terminates
// the surface before any per-operation interception runs.
func (g *Gate) CheckSurface(surface registry.Surface) error {
	if g.policies.forSurface(surface) == TierDisabled {
		return ErrSurfaceDisabled
	}
	return nil
}

// GuardMutation is the narrow interception point wrapped around the
// lowest-level mutation primitive of a sensitive operation, so the
// operation is blocked however it was invoked on a limited surface.
// Principals are anonymous on these surfaces by definition, so the
// audit signal carries principal id "0".
func (g *Gate) GuardMutation(ctx context.Context, surface registry.Surface, ruleID string) error {
	switch g.policies.forSurface(surface) {
	case TierUnrestricted:
		return nil
	case TierDisabled:
		return ErrSurfaceDisabled
	}
	g.audit.log(ctx, AuditPolicyBlocked, nil,
		slog.String("principal_id", "0"),
		slog.String("surface", string(surface)),
		slog.String("rule_id", ruleID))
	return ErrElevationRequired
}
