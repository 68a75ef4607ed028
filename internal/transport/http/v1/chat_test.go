package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xiaot623/botchat/internal/adapter/workflow"
	"github.com/xiaot623/botchat/internal/auth"
	"github.com/xiaot623/botchat/internal/domain"
	store "github.com/xiaot623/botchat/internal/repository"
	"github.com/xiaot623/botchat/internal/service"
	"github.com/xiaot623/botchat/internal/stats"
	"github.com/xiaot623/botchat/internal/transport/http/binding"
)

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, string, any) error { return nil }

func newTestHandler(t *testing.T) (*Handler, *service.Service, store.Store) {
	t.Helper()
	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc := service.New(service.Config{TypingInterval: time.Hour}, service.Deps{
		Store:      db,
		Emitter:    nopEmitter{},
		Dispatcher: workflow.NewMockClient(),
		Logger:     zaptest.NewLogger(t),
	})
	t.Cleanup(svc.Close)
	return NewHandler(svc, stats.NewEngine(db)), svc, db
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.Validator = binding.NewValidator()
	return e
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestPostMessageQueued(t *testing.T) {
	e := newEcho()
	h, _, db := newTestHandler(t)

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/v1/chat/s1/message", `{"text":"hello","metadata":{"channel":"web"}}`), rec)
	c.SetParamNames("session_id")
	c.SetParamValues("s1")

	require.NoError(t, h.PostMessage(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"queued","sessionId":"s1","msgIdx":0}`, rec.Body.String())

	sess, err := db.FindBySession(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, sess.Messages, 1)
	assert.Equal(t, "web", sess.Messages[0].Metadata["channel"])
}

func TestPostMessageValidation(t *testing.T) {
	e := newEcho()
	h, _, _ := newTestHandler(t)

	for _, body := range []string{`{}`, `{"text":"   "}`, `{"text":`} {
		rec := httptest.NewRecorder()
		c := e.NewContext(jsonRequest(http.MethodPost, "/v1/chat/s1/message", body), rec)
		c.SetParamNames("session_id")
		c.SetParamValues("s1")

		require.NoError(t, h.PostMessage(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestRateMessage(t *testing.T) {
	e := newEcho()
	h, svc, db := newTestHandler(t)
	ctx := context.Background()

	_, err := svc.AppendConversation(ctx, "s2", []domain.Message{
		{Role: domain.RoleUser, Text: "q"},
		{Role: domain.RoleBot, Text: "a"},
	})
	require.NoError(t, err)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"rates bot reply", `{"msgIdx":1,"rating":0,"feedback":"wrong"}`, http.StatusOK},
		{"missing message", `{"msgIdx":7,"rating":1}`, http.StatusNotFound},
		{"rating out of range", `{"msgIdx":1,"rating":2}`, http.StatusBadRequest},
		{"missing rating", `{"msgIdx":1}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := e.NewContext(jsonRequest(http.MethodPost, "/v1/chat/s2/rate", tc.body), rec)
			c.SetParamNames("session_id")
			c.SetParamValues("s2")

			require.NoError(t, h.RateMessage(c))
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}

	sess, err := db.FindBySession(ctx, "s2")
	require.NoError(t, err)
	require.NotNil(t, sess.Messages[1].Rating)
	assert.Equal(t, 0, *sess.Messages[1].Rating)
	assert.Equal(t, "wrong", *sess.Messages[1].Feedback)
}

func TestGetSession(t *testing.T) {
	e := newEcho()
	h, svc, _ := newTestHandler(t)
	_, err := svc.AppendConversation(context.Background(), "s1", []domain.Message{{Role: domain.RoleUser, Text: "hi"}})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/v1/chat/s1", nil), rec)
	c.SetParamNames("session_id")
	c.SetParamValues("s1")
	require.NoError(t, h.GetSession(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var sess domain.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, "s1", sess.SessionID)
	require.Len(t, sess.Messages, 1)

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/v1/chat/nope", nil), rec)
	c.SetParamNames("session_id")
	c.SetParamValues("nope")
	require.NoError(t, h.GetSession(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRoutesRequireElevatedToken(t *testing.T) {
	e := newEcho()
	h, _, _ := newTestHandler(t)
	verifier := auth.NewVerifier("secret", []string{"admin"})
	h.RegisterRoutes(e, verifier)

	guest, err := verifier.Issue(domain.Identity{UserID: "u1", Role: "user"}, time.Minute)
	require.NoError(t, err)
	admin, err := verifier.Issue(domain.Identity{UserID: "ops", Role: "admin"}, time.Minute)
	require.NoError(t, err)

	for token, code := range map[string]int{"": http.StatusUnauthorized, guest: http.StatusForbidden, admin: http.StatusOK} {
		req := httptest.NewRequest(http.MethodGet, "/v1/admin/sessions", nil)
		if token != "" {
			req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, code, rec.Code)
	}
}
