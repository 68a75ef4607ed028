// Package auth verifies the signed credentials presented by clients.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/xiaot623/botchat/internal/domain"
)

const (
	claimTenant = "tenant_id"
	claimRole   = "role"
)

var (
	// ErrNoCredential means the request carried no token.
	ErrNoCredential = errors.New("no credential")
	// ErrDisabled means no signing secret is configured.
	ErrDisabled = errors.New("credential verification disabled")
)

// Verifier checks HS256 JWTs and maps their claims to an identity.
type Verifier struct {
	key      []byte
	elevated []string
}

// NewVerifier creates a verifier. An empty secret disables verification and
// every caller is treated as a guest.
func NewVerifier(secret string, elevatedRoles []string) *Verifier {
	return &Verifier{key: []byte(secret), elevated: elevatedRoles}
}

// ElevatedRoles returns the roles allowed into the admin room.
func (v *Verifier) ElevatedRoles() []string {
	return v.elevated
}

// Verify parses and validates token.
func (v *Verifier) Verify(token string) (domain.Identity, error) {
	if len(v.key) == 0 {
		return domain.Identity{}, ErrDisabled
	}
	if token == "" {
		return domain.Identity{}, ErrNoCredential
	}
	tok, err := jwt.Parse([]byte(token), jwt.WithKey(jwa.HS256(), v.key), jwt.WithValidate(true))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("invalid token: %w", err)
	}

	id := domain.Identity{Verified: true}
	id.UserID, _ = tok.Subject()
	// Optional claims; absence leaves the field empty.
	_ = tok.Get(claimTenant, &id.TenantID)
	_ = tok.Get(claimRole, &id.Role)
	return id, nil
}

// IsElevated reports whether id is verified and holds an elevated role.
func (v *Verifier) IsElevated(id domain.Identity) bool {
	return id.Verified && id.Role != "" && slices.Contains(v.elevated, id.Role)
}

// Issue signs a token for id. Used by the CLI and tests.
func (v *Verifier) Issue(id domain.Identity, ttl time.Duration) (string, error) {
	if len(v.key) == 0 {
		return "", ErrDisabled
	}
	now := time.Now()
	b := jwt.NewBuilder().
		Subject(id.UserID).
		IssuedAt(now).
		Expiration(now.Add(ttl))
	if id.TenantID != "" {
		b = b.Claim(claimTenant, id.TenantID)
	}
	if id.Role != "" {
		b = b.Claim(claimRole, id.Role)
	}
	tok, err := b.Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256(), v.key))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// TokenFromRequest returns the bearer token of r, falling back to the
// "token" query parameter used by browser websocket clients.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
