/*
Package authsdk is a client for the application backend that issues and
describes sessions.

# Overview

The backend speaks OAuth2 for token issuance and exposes a small user
surface next to it. Client covers the calls a signed-in profile needs:

	client := authsdk.NewClient("https://api.example.com", "web")

	// Exchange credentials for a token pair
	tok, err := client.PasswordGrant(ctx, username, password)

	// Fetch the profile belonging to a token
	info, err := client.UserInfo(ctx, tok.AccessToken)

	// Best-effort revocation on sign-out
	err = client.RevokeToken(ctx, tok.RefreshToken)

# Errors

Failed calls return *OAuth2Error carrying the status code and the RFC 6749
error code. IsTerminal reports whether an error means the presented
credential is dead and retrying cannot help:

	if authsdk.IsTerminal(err) {
		// route the user back to sign-in
	}

# Transport

Client.HTTPClient is used as-is, so request tracking and logging are added
by wrapping its Transport.
*/
package authsdk
