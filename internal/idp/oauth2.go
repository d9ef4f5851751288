// Package idp connects the session layer to the services that issue and
// accept its credentials: an external OAuth2 identity provider for token
// renewal and the application backend for profiles and revocation.
package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aussiebroadwan/tabsession/internal/refresh"
	"golang.org/x/oauth2"
)

// OAuth2Renewer renews external sessions with the refresh_token grant
// against a standards compliant token endpoint.
type OAuth2Renewer struct {
	config     *oauth2.Config
	revokeURL  string
	httpClient *http.Client
	now        func() time.Time
}

// NewOAuth2Renewer creates a renewer for a public client. revokeURL may be
// empty when the provider has no revocation endpoint.
func NewOAuth2Renewer(clientID, tokenURL, revokeURL string, httpClient *http.Client) *OAuth2Renewer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &OAuth2Renewer{
		config: &oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		revokeURL:  revokeURL,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Refresh implements refresh.Renewer. A rejected refresh token is reported
// as refresh.ErrInvalidSession; every other failure is transient.
func (r *OAuth2Renewer) Refresh(ctx context.Context, refreshToken string) (refresh.Renewal, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)

	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && isTerminalCode(re.ErrorCode) {
			return refresh.Renewal{}, fmt.Errorf("%w: %s", refresh.ErrInvalidSession, re.ErrorCode)
		}
		return refresh.Renewal{}, fmt.Errorf("refresh token grant: %w", err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		idToken = tok.AccessToken
	}
	if idToken == "" {
		return refresh.Renewal{}, errors.New("refresh token grant: response carried no token")
	}

	renewal := refresh.Renewal{
		IDToken:      idToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		renewal.ExpiresIn = tok.Expiry.Sub(r.now())
	}
	return renewal, nil
}

// Revoke posts an RFC 7009 revocation for a refresh token. Without a
// configured endpoint it does nothing.
func (r *OAuth2Renewer) Revoke(ctx context.Context, refreshToken string) error {
	if r.revokeURL == "" {
		return nil
	}

	form := url.Values{
		"token":           {refreshToken},
		"token_type_hint": {"refresh_token"},
		"client_id":       {r.config.ClientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func isTerminalCode(code string) bool {
	return code == "invalid_grant" || code == "invalid_token"
}
