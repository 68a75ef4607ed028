package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewDefaultEngine(context.Background())
	require.NoError(t, err)
	return e
}

func TestAllowCTA(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   CTAInput
		want bool
	}{
		{"high intent", CTAInput{HighIntent: true, Turn: 1, CTAEvery: 3}, true},
		{"first low turn", CTAInput{Turn: 0, CTAEvery: 3}, true},
		{"second low turn", CTAInput{Turn: 1, CTAEvery: 3}, false},
		{"third low turn", CTAInput{Turn: 2, CTAEvery: 3}, false},
		{"fourth low turn", CTAInput{Turn: 3, CTAEvery: 3}, true},
		{"unset every defaults to three", CTAInput{Turn: 3}, true},
		{"negative every defaults to three", CTAInput{Turn: 2, CTAEvery: -1}, false},
		{"every turn", CTAInput{Turn: 5, CTAEvery: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.AllowCTA(ctx, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanJoin(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	elevated := []string{"admin", "agent"}

	tests := []struct {
		name string
		in   RoomInput
		want bool
	}{
		{"guest session room", RoomInput{Kind: "session", ID: "s1"}, true},
		{"guest admin room", RoomInput{Kind: "admin", ElevatedRoles: elevated}, false},
		{"unverified admin claim", RoomInput{Kind: "admin", Role: "admin", ElevatedRoles: elevated}, false},
		{"verified admin", RoomInput{Kind: "admin", Verified: true, Role: "admin", ElevatedRoles: elevated}, true},
		{"verified agent", RoomInput{Kind: "admin", Verified: true, Role: "agent", ElevatedRoles: elevated}, true},
		{"verified member", RoomInput{Kind: "admin", Verified: true, Role: "member", ElevatedRoles: elevated}, false},
		{"own user room", RoomInput{Kind: "user", ID: "u1", Verified: true, UserID: "u1"}, true},
		{"foreign user room", RoomInput{Kind: "user", ID: "u2", Verified: true, UserID: "u1"}, false},
		{"guest user room", RoomInput{Kind: "user", ID: "u1", UserID: "u1"}, false},
		{"own tenant room", RoomInput{Kind: "tenant", ID: "t1", Verified: true, TenantID: "t1"}, true},
		{"admin any tenant room", RoomInput{Kind: "tenant", ID: "t9", Verified: true, Role: "admin", ElevatedRoles: elevated}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.CanJoin(ctx, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
