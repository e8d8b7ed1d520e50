package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"gridstore/internal/auth"

	"github.com/stretchr/testify/require"
)

const (
	AccessKeyID     = "gridadmin"
	SecretAccessKey = "gridsecret"
)

func newBasic(t *testing.T) *auth.BasicAuthEngine {
	t.Helper()

	e, err := auth.NewBasicAuthEngine(AccessKeyID, SecretAccessKey)
	require.NoError(t, err)
	return e
}

func TestBasicAuthSucceeds(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/files", nil)
	req.SetBasicAuth(AccessKeyID, SecretAccessKey)

	user, err := newBasic(t).AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, user, "expected a user for valid credentials")
	require.Equal(t, AccessKeyID, user.AccessKeyID)
}

func TestBasicAuthRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(r *http.Request)
	}{
		{name: "no header", setup: func(*http.Request) {}},
		{name: "wrong secret", setup: func(r *http.Request) { r.SetBasicAuth(AccessKeyID, "nope") }},
		{name: "wrong user", setup: func(r *http.Request) { r.SetBasicAuth("someone", SecretAccessKey) }},
		{name: "not basic", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer token") }},
		{name: "garbage", setup: func(r *http.Request) { r.Header.Set("Authorization", "Basic !!!") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/files", nil)
			tt.setup(req)

			user, err := newBasic(t).AuthenticateRequest(t.Context(), req)
			require.NoError(t, err)
			require.Nil(t, user)
		})
	}
}

func TestBasicAuthNeedsCredentials(t *testing.T) {
	t.Parallel()

	_, err := auth.NewBasicAuthEngine("", "secret")
	require.Error(t, err)
}

type failingEngine struct{ err error }

func (e failingEngine) AuthenticateRequest(context.Context, *http.Request) (*auth.User, error) {
	return nil, e.err
}

func TestCompoundAuthFirstMatchWins(t *testing.T) {
	t.Parallel()

	boom := errors.New("directory unavailable")
	other, err := auth.NewBasicAuthEngine("other", "other")
	require.NoError(t, err)

	e := auth.NewCompoundAuthEngine(failingEngine{err: boom}, other, newBasic(t))

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/files", nil)
	req.SetBasicAuth(AccessKeyID, SecretAccessKey)

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Equal(t, AccessKeyID, user.AccessKeyID)

	req.SetBasicAuth("nobody", "nothing")
	user, err = e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, boom)
	require.Nil(t, user)
}
