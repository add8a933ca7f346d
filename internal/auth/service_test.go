package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "agentic-trust/internal/errors"
)

func TestParseKeys(t *testing.T) {
	keys, err := ParseKeys(" ops:s3cret:read|deploy , signer:t0ken:sign ,")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, Key{Name: "ops", Token: "s3cret", Permissions: []string{"read", "deploy"}}, keys[0])
	assert.Equal(t, []string{"sign"}, keys[1].Permissions)

	_, err = ParseKeys("ops-s3cret")
	require.True(t, xerrors.HasCode(err, xerrors.CodeConfiguration))
	assert.NotContains(t, err.Error(), "s3cret")
}

func TestNewServiceValidatesKeys(t *testing.T) {
	svc, err := NewService(Config{})
	require.NoError(t, err)
	assert.False(t, svc.Enabled())

	_, err = NewService(Config{Keys: []Key{{Name: "a", Token: "x"}, {Name: "a", Token: "y"}}})
	require.True(t, xerrors.HasCode(err, xerrors.CodeConfiguration))

	_, err = NewService(Config{Keys: []Key{{Name: "a"}}})
	require.True(t, xerrors.HasCode(err, xerrors.CodeConfiguration))
}

func TestAuthenticateRequest(t *testing.T) {
	svc, err := NewService(Config{Keys: []Key{{Name: "ops", Token: "s3cret", Permissions: []string{"read"}}}})
	require.NoError(t, err)
	require.Equal(t, ModeAPIKey, svc.Mode())

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer s3cret")
	require.NoError(t, err)
	assert.Equal(t, "ops", subject.Name)
	assert.True(t, subject.HasPermission("READ"))
	require.NoError(t, subject.Authorize(PermRead))
	err = subject.Authorize(PermRead, PermSign)
	require.True(t, xerrors.HasCode(err, xerrors.CodeAuthorization))

	_, err = svc.AuthenticateRequest(context.Background(), "Bearer wrong")
	require.True(t, xerrors.HasCode(err, CodeUnauthenticated))
	_, err = svc.AuthenticateRequest(context.Background(), "Basic s3cret")
	require.True(t, xerrors.HasCode(err, CodeUnauthenticated))
}

func TestWildcardPermission(t *testing.T) {
	subject := &Subject{Name: "root", Permissions: []string{"*"}}
	require.NoError(t, subject.Authorize(PermRead, PermDeploy, PermSign))
}

func TestMiddleware(t *testing.T) {
	svc, err := NewService(Config{Keys: []Key{
		{Name: "reader", Token: "r", Permissions: []string{PermRead}},
		{Name: "deployer", Token: "d", Permissions: []string{PermRead, PermDeploy}},
	}})
	require.NoError(t, err)

	var seen *Subject
	h := svc.Middleware(MiddlewareConfig{RequiredPermissions: map[string][]string{
		http.MethodGet:  {PermRead},
		http.MethodPost: {PermDeploy},
	}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(method, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/api/agents/aa/deploy", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := call(http.MethodGet, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(CodeUnauthenticated), body["code"])

	rec = call(http.MethodPost, "r")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(http.MethodPost, "d")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "deployer", seen.Name)
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, err := NewService(Config{})
	require.NoError(t, err)
	h := svc.Middleware(MiddlewareConfig{RequiredPermissions: map[string][]string{"*": {PermSign}}})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var nilSvc *Service
	assert.False(t, nilSvc.Enabled())
}

func TestCallerName(t *testing.T) {
	assert.Equal(t, "anonymous", CallerName(context.Background()))
	ctx := WithSubject(context.Background(), &Subject{Name: "ops"})
	assert.Equal(t, "ops", CallerName(ctx))
	assert.Same(t, ctx, WithSubject(ctx, nil))
}
