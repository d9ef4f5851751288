package authsdk_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aussiebroadwan/tabsession/pkg/authsdk"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T) *authsdk.Client {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "web", r.PostForm.Get("client_id"))

		switch r.PostForm.Get("grant_type") {
		case "password":
			if r.PostForm.Get("password") != "hunter2" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"bad password"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(authsdk.TokenResponse{
				AccessToken: "at-1", RefreshToken: "rt-1", TokenType: "Bearer", ExpiresIn: 3600, UserID: "u1",
			})
		case "refresh_token":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"revoked"}`))
		}
	})
	mux.HandleFunc("GET /v1/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(authsdk.UserInfoResponse{UserID: "u1", Email: "a@example.com", PreferredName: "Ada"})
	})
	mux.HandleFunc("POST /v1/oauth2/revoke", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/users", func(w http.ResponseWriter, r *http.Request) {
		var req authsdk.RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Email == "taken@example.com" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"code":"conflict","message":"email in use","details":{"email":"taken"}}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(authsdk.RegisterResponse{
			User:  authsdk.UserInfoResponse{UserID: "u2", Email: req.Email},
			Token: authsdk.TokenResponse{AccessToken: "at-2", TokenType: "Bearer"},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return authsdk.NewClient(srv.URL+"/", "web")
}

func TestPasswordGrant(t *testing.T) {
	t.Parallel()
	client := newBackend(t)

	t.Run("success", func(t *testing.T) {
		tok, err := client.PasswordGrant(context.Background(), "ada", "hunter2")
		require.NoError(t, err)
		require.Equal(t, "at-1", tok.AccessToken)
		require.Equal(t, "rt-1", tok.RefreshToken)
		require.Equal(t, "u1", tok.UserID)
	})

	t.Run("rejected", func(t *testing.T) {
		_, err := client.PasswordGrant(context.Background(), "ada", "wrong")
		require.ErrorIs(t, err, authsdk.ErrInvalidGrant)
		require.True(t, authsdk.IsTerminal(err))

		var oauthErr *authsdk.OAuth2Error
		require.True(t, errors.As(err, &oauthErr))
		require.Equal(t, http.StatusBadRequest, oauthErr.StatusCode)
		require.Equal(t, "bad password", oauthErr.Description)
	})
}

func TestRefreshGrantRevoked(t *testing.T) {
	t.Parallel()
	client := newBackend(t)

	_, err := client.RefreshGrant(context.Background(), "rt-old")
	require.True(t, authsdk.IsTerminal(err))
}

func TestUserInfo(t *testing.T) {
	t.Parallel()
	client := newBackend(t)

	info, err := client.UserInfo(context.Background(), "at-1")
	require.NoError(t, err)
	require.Equal(t, "u1", info.UserID)
	require.Equal(t, "Ada", info.PreferredName)

	_, err = client.UserInfo(context.Background(), "stale")
	require.ErrorIs(t, err, authsdk.ErrInvalidToken)

	_, err = client.UserInfo(context.Background(), "")
	require.ErrorIs(t, err, authsdk.ErrInvalidToken)
}

func TestRevokeToken(t *testing.T) {
	t.Parallel()
	client := newBackend(t)

	require.NoError(t, client.RevokeToken(context.Background(), "rt-1"))
}

func TestRegister(t *testing.T) {
	t.Parallel()
	client := newBackend(t)

	out, err := client.Register(context.Background(), authsdk.RegisterRequest{Email: "new@example.com", Password: "pw"})
	require.NoError(t, err)
	require.Equal(t, "u2", out.User.UserID)
	require.Equal(t, "at-2", out.Token.AccessToken)

	_, err = client.Register(context.Background(), authsdk.RegisterRequest{Email: "taken@example.com", Password: "pw"})
	var oauthErr *authsdk.OAuth2Error
	require.True(t, errors.As(err, &oauthErr))
	require.Equal(t, authsdk.ErrorCodeConflict, oauthErr.Code)
	require.Equal(t, "taken", oauthErr.Details["email"])
	require.False(t, authsdk.IsTerminal(err))
}

func TestServerErrorFallback(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	err := authsdk.NewClient(srv.URL, "web").RevokeToken(context.Background(), "x")
	require.ErrorIs(t, err, authsdk.ErrServerError)
	require.False(t, authsdk.IsTerminal(err))
}
