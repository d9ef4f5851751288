package idp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aussiebroadwan/tabsession/internal/refresh"
	"github.com/aussiebroadwan/tabsession/internal/session"
	"github.com/aussiebroadwan/tabsession/internal/tokens"
	"github.com/aussiebroadwan/tabsession/pkg/authsdk"
	"github.com/aussiebroadwan/tabsession/pkg/jwtx"
)

// Backend adapts the application backend client to the session layer.
type Backend struct {
	client *authsdk.Client
}

func NewBackend(client *authsdk.Client) *Backend {
	return &Backend{client: client}
}

// Client returns the wrapped client.
func (b *Backend) Client() *authsdk.Client { return b.client }

// SignIn runs the password grant and returns what the session layer needs
// to adopt the result.
func (b *Backend) SignIn(ctx context.Context, username, password string) (session.Credentials, tokens.User, error) {
	resp, err := b.client.PasswordGrant(ctx, username, password)
	if err != nil {
		return session.Credentials{}, tokens.User{}, err
	}
	return credentials(resp), userFromToken(resp.UserID, resp.AccessToken), nil
}

// SignUp creates an account and returns its first session.
func (b *Backend) SignUp(ctx context.Context, req authsdk.RegisterRequest) (session.Credentials, tokens.User, error) {
	resp, err := b.client.Register(ctx, req)
	if err != nil {
		return session.Credentials{}, tokens.User{}, err
	}

	user := toUser(resp.User)
	if user.ID == "" {
		user.ID = resp.Token.UserID
	}
	return credentials(&resp.Token), user, nil
}

// FetchProfile implements session.ProfileFetcher.
func (b *Backend) FetchProfile(ctx context.Context, token string) (tokens.User, error) {
	info, err := b.client.UserInfo(ctx, token)
	if err != nil {
		return tokens.User{}, err
	}
	return toUser(*info), nil
}

// Revoke implements session.Revoker.
func (b *Backend) Revoke(ctx context.Context, refreshToken string) error {
	return b.client.RevokeToken(ctx, refreshToken)
}

// Refresh implements refresh.Renewer over the backend token endpoint.
func (b *Backend) Refresh(ctx context.Context, refreshToken string) (refresh.Renewal, error) {
	resp, err := b.client.RefreshGrant(ctx, refreshToken)
	if err != nil {
		if authsdk.IsTerminal(err) {
			return refresh.Renewal{}, errors.Join(refresh.ErrInvalidSession, err)
		}
		return refresh.Renewal{}, fmt.Errorf("refresh grant: %w", err)
	}

	rt := resp.RefreshToken
	if rt == "" {
		rt = refreshToken
	}
	return refresh.Renewal{
		IDToken:      resp.AccessToken,
		RefreshToken: rt,
		ExpiresIn:    time.Duration(resp.ExpiresIn) * time.Second,
	}, nil
}

func credentials(resp *authsdk.TokenResponse) session.Credentials {
	return session.Credentials{
		Token:        resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}
}

// userFromToken falls back to the token claims when the grant response did
// not name the user. Legacy opaque tokens yield only the given id.
func userFromToken(id, token string) tokens.User {
	claims, err := jwtx.ParseUnverified(token)
	if err != nil {
		return tokens.User{ID: id}
	}
	if id == "" {
		id = claims.Subject
	}
	return tokens.User{
		ID:          id,
		Email:       claims.Email,
		Username:    claims.Username,
		DisplayName: claims.PreferredName,
	}
}

func toUser(info authsdk.UserInfoResponse) tokens.User {
	return tokens.User{
		ID:          info.UserID,
		Email:       info.Email,
		Username:    info.Username,
		DisplayName: info.PreferredName,
	}
}
