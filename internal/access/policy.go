// Package access implements AccessPolicy (C12): a role/plan gate via
// casbin RBAC composed with a set of pure, side-effect-free opaque
// gates (worthiness, narrative level, currency balance), following the
// teacher's "pure struct method, no I/O" idiom for capability checks.
package access

import (
	"embed"
	"fmt"
	"os"

	"github.com/casbin/casbin/v2"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
)

//go:embed model.conf policy.csv
var policyFS embed.FS

// Reason enumerates the denial reasons named in the policy contract.
type Reason string

const (
	ReasonVIPRequired            Reason = "vip_required"
	ReasonInsufficientWorthiness Reason = "insufficient_worthiness"
	ReasonLevelLocked            Reason = "level_locked"
	ReasonInsufficientFunds      Reason = "insufficient_funds"
	ReasonRoleForbidden          Reason = "role_forbidden"
)

// Decision is the outcome AccessPolicy hands back to a caller; callers
// compose Reason+Guidance into user-facing text and buttons.
type Decision struct {
	Allow    bool
	Reason   Reason
	Guidance string
}

func allow() Decision { return Decision{Allow: true} }

func deny(reason Reason, guidance string) Decision {
	return Decision{Allow: false, Reason: reason, Guidance: guidance}
}

// Resource describes the gates a requested resource imposes. Zero
// values mean "no gate of this kind".
type Resource struct {
	Name                 string // casbin object, e.g. "narrative.fragment.vip"
	Action               string // casbin action, e.g. "view"
	VIPRequired          bool
	WorthinessRequired   float64
	LevelRequired        int
	CostRequired         int64
}

// Subject is the caller-side state AccessPolicy evaluates against a
// Resource: pure data, no I/O.
type Subject struct {
	Role            string // free, vip, admin
	VIPActive       bool
	WorthinessScore float64
	NarrativeLevel  int
	Balance         int64
}

// Policy wraps the casbin enforcer used for role/plan gating. The
// opaque gates below it are free functions with no dependency on
// Policy at all, kept separate so they stay trivially unit-testable.
type Policy struct {
	enforcer *casbin.Enforcer
}

// Open materializes the embedded model/policy files to a temp
// directory (casbin's file adapter wants real paths) and constructs
// the enforcer. The core owns no casbin policy storage of its own —
// this is a deliberately small, read-mostly policy set, so a file
// adapter is sufficient; see DESIGN.md.
func Open() (*Policy, error) {
	modelPath, err := materialize("model.conf")
	if err != nil {
		return nil, err
	}
	policyPath, err := materialize("policy.csv")
	if err != nil {
		return nil, err
	}

	enforcer, err := casbin.NewEnforcer(modelPath, fileadapter.NewAdapter(policyPath))
	if err != nil {
		return nil, fmt.Errorf("build casbin enforcer: %w", err)
	}
	return &Policy{enforcer: enforcer}, nil
}

func materialize(name string) (string, error) {
	data, err := policyFS.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("read embedded %s: %w", name, err)
	}
	f, err := os.CreateTemp("", "narrativecore-access-*-"+name)
	if err != nil {
		return "", fmt.Errorf("create temp %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("write temp %s: %w", name, err)
	}
	return f.Name(), nil
}

// RoleAllows reports whether subject's role permits action on
// resourceName per the casbin RBAC model (role inheritance:
// admin > vip > free).
func (p *Policy) RoleAllows(role, resourceName, action string) (bool, error) {
	return p.enforcer.Enforce(role, resourceName, action)
}

// Evaluate composes role gating with the opaque gates into a single
// Decision, in the priority order role -> VIP -> level -> worthiness ->
// funds (first failing gate wins).
func (p *Policy) Evaluate(subject Subject, resource Resource) (Decision, error) {
	allowed, err := p.RoleAllows(subject.Role, resource.Name, resource.Action)
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate role policy: %w", err)
	}
	if !allowed {
		return deny(ReasonRoleForbidden, ""), nil
	}
	if d := VIPGate(subject, resource); !d.Allow {
		return d, nil
	}
	if d := LevelGate(subject, resource); !d.Allow {
		return d, nil
	}
	if d := WorthinessGate(subject, resource); !d.Allow {
		return d, nil
	}
	if d := FundsGate(subject, resource); !d.Allow {
		return d, nil
	}
	return allow(), nil
}

// VIPGate denies access to a vip_required resource unless the
// subject's subscription is active at use time (not at event time),
// so expiry takes effect immediately.
func VIPGate(subject Subject, resource Resource) Decision {
	if resource.VIPRequired && !subject.VIPActive {
		return deny(ReasonVIPRequired, "subscribe to unlock this content")
	}
	return allow()
}

// LevelGate denies access when the subject's narrative level is below
// the resource's requirement.
func LevelGate(subject Subject, resource Resource) Decision {
	if resource.LevelRequired > 0 && subject.NarrativeLevel < resource.LevelRequired {
		return deny(ReasonLevelLocked, fmt.Sprintf("reach level %d to unlock this", resource.LevelRequired))
	}
	return allow()
}

// WorthinessGate denies access when the subject's opaque worthiness
// score is below the resource's requirement.
func WorthinessGate(subject Subject, resource Resource) Decision {
	if resource.WorthinessRequired > 0 && subject.WorthinessScore < resource.WorthinessRequired {
		return deny(ReasonInsufficientWorthiness, "keep engaging to raise your standing")
	}
	return allow()
}

// FundsGate denies access when the subject's balance cannot cover the
// resource's cost.
func FundsGate(subject Subject, resource Resource) Decision {
	if resource.CostRequired > 0 && subject.Balance < resource.CostRequired {
		return deny(ReasonInsufficientFunds, fmt.Sprintf("need %d more", resource.CostRequired-subject.Balance))
	}
	return allow()
}
