package domain

import "strings"

// Room kinds. A room name is "<kind>:<id>" except for the single admin room.
const (
	RoomKindSession = "session"
	RoomKindUser    = "user"
	RoomKindTenant  = "tenant"
	RoomKindAdmin   = "admin"

	AdminRoom = RoomKindAdmin
)

func SessionRoom(sessionID string) string { return RoomKindSession + ":" + sessionID }
func UserRoom(userID string) string       { return RoomKindUser + ":" + userID }
func TenantRoom(tenantID string) string   { return RoomKindTenant + ":" + tenantID }

// ParseRoom splits a room name into kind and id. ok is false for names that
// do not map onto a known kind or carry an empty id.
func ParseRoom(name string) (kind, id string, ok bool) {
	if name == AdminRoom {
		return RoomKindAdmin, "", true
	}
	kind, id, found := strings.Cut(name, ":")
	if !found || id == "" {
		return "", "", false
	}
	switch kind {
	case RoomKindSession, RoomKindUser, RoomKindTenant:
		return kind, id, true
	}
	return "", "", false
}

// Identity is the verified caller behind a connection or request.
// A zero Identity is a guest.
type Identity struct {
	UserID   string `json:"userId,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
	Role     string `json:"role,omitempty"`
	Verified bool   `json:"-"`
}
