package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/botchat/internal/domain"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("secret", []string{"admin", "agent"})
	token, err := v.Issue(domain.Identity{UserID: "u1", TenantID: "t1", Role: "agent"}, time.Minute)
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, domain.Identity{UserID: "u1", TenantID: "t1", Role: "agent", Verified: true}, id)
	assert.True(t, v.IsElevated(id))
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("secret", []string{"admin"})

	other, err := NewVerifier("other", nil).Issue(domain.Identity{UserID: "u1", Role: "admin"}, time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(other)
	assert.Error(t, err)

	expired, err := v.Issue(domain.Identity{UserID: "u1"}, -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.Error(t, err)

	_, err = v.Verify("")
	assert.ErrorIs(t, err, ErrNoCredential)

	_, err = NewVerifier("", nil).Verify("anything")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestIsElevatedNeedsVerification(t *testing.T) {
	v := NewVerifier("secret", []string{"admin"})
	assert.False(t, v.IsElevated(domain.Identity{Role: "admin"}))
	assert.False(t, v.IsElevated(domain.Identity{Role: "member", Verified: true}))
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	assert.Equal(t, "q", TokenFromRequest(r))
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", TokenFromRequest(r))
}

func TestRequireElevated(t *testing.T) {
	v := NewVerifier("secret", []string{"admin"})
	e := echo.New()
	ok := func(c echo.Context) error {
		id, _ := IdentityFrom(c)
		return c.String(http.StatusOK, id.UserID)
	}
	h := RequireElevated(v)(ok)

	call := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/admin/sessions", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		require.NoError(t, h(e.NewContext(req, rec)))
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, call("").Code)

	member, err := v.Issue(domain.Identity{UserID: "u1", Role: "member"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, call(member).Code)

	admin, err := v.Issue(domain.Identity{UserID: "boss", Role: "admin"}, time.Minute)
	require.NoError(t, err)
	rec := call(admin)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "boss", rec.Body.String())
}
