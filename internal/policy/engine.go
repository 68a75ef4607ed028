// Package policy evaluates the call-to-action and room access rules with OPA.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Engine is the OPA policy engine.
type Engine struct {
	cta   rego.PreparedEvalQuery
	rooms rego.PreparedEvalQuery
}

// NewEngine prepares both queries from the given modules.
func NewEngine(ctx context.Context, ctaPolicy, roomPolicy string) (*Engine, error) {
	cta, err := rego.New(
		rego.Query("data.botchat.cta.allow"),
		rego.Module("cta.rego", ctaPolicy),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare cta policy: %w", err)
	}

	rooms, err := rego.New(
		rego.Query("data.botchat.rooms.allow"),
		rego.Module("rooms.rego", roomPolicy),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare room policy: %w", err)
	}

	return &Engine{cta: cta, rooms: rooms}, nil
}

// NewDefaultEngine uses DefaultCTAPolicy and DefaultRoomPolicy.
func NewDefaultEngine(ctx context.Context) (*Engine, error) {
	return NewEngine(ctx, DefaultCTAPolicy, DefaultRoomPolicy)
}

// CTAInput describes one low- or high-intent turn.
type CTAInput struct {
	HighIntent bool `json:"high_intent"`
	// Turn counts the low-intent turns seen before this one.
	Turn     int64 `json:"turn"`
	CTAEvery int   `json:"cta_every"`
}

// AllowCTA reports whether the reply to this turn may carry a call to action.
func (e *Engine) AllowCTA(ctx context.Context, in CTAInput) (bool, error) {
	return evalBool(ctx, e.cta, in)
}

// RoomInput describes a request to join a room.
type RoomInput struct {
	Kind          string   `json:"kind"`
	ID            string   `json:"id"`
	Verified      bool     `json:"verified"`
	UserID        string   `json:"user_id"`
	TenantID      string   `json:"tenant_id"`
	Role          string   `json:"role"`
	ElevatedRoles []string `json:"elevated_roles"`
}

// CanJoin reports whether the caller may join the room.
func (e *Engine) CanJoin(ctx context.Context, in RoomInput) (bool, error) {
	return evalBool(ctx, e.rooms, in)
}

func evalBool(ctx context.Context, q rego.PreparedEvalQuery, input any) (bool, error) {
	results, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, _ := results[0].Expressions[0].Value.(bool)
	return allowed, nil
}

// DefaultCTAPolicy always allows a CTA on high intent and otherwise on every
// cta_every-th low-intent turn, starting with the first.
const DefaultCTAPolicy = `
package botchat.cta

default allow = false

period = n {
	input.cta_every > 0
	n := input.cta_every
}

period = 3 {
	not input.cta_every > 0
}

allow {
	input.high_intent
}

allow {
	not input.high_intent
	input.turn % period == 0
}
`

// DefaultRoomPolicy keeps guests in session rooms and reserves the admin room
// for verified elevated roles.
const DefaultRoomPolicy = `
package botchat.rooms

default allow = false

elevated {
	input.verified
	input.elevated_roles[_] == input.role
}

allow {
	input.kind == "session"
}

allow {
	input.kind == "admin"
	elevated
}

allow {
	input.kind == "user"
	input.verified
	input.user_id == input.id
}

allow {
	input.kind == "tenant"
	input.verified
	input.tenant_id == input.id
}

allow {
	input.kind != "admin"
	elevated
}
`
