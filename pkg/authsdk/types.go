package authsdk

// ErrorResponse is the RFC 6749 error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ValidationErrorResponse is the error body of the JSON endpoints.
type ValidationErrorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// TokenResponse is the token endpoint response.
type TokenResponse struct {
	// AccessToken is the bearer token, a JWT for externally issued sessions.
	AccessToken string `json:"access_token"`

	// RefreshToken is absent for legacy sessions.
	RefreshToken string `json:"refresh_token,omitempty"`

	TokenType string `json:"token_type"`

	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int `json:"expires_in"`

	// UserID is the subject the token was issued to.
	UserID string `json:"user_id,omitempty"`

	Scope string `json:"scope,omitempty"`
}

// UserInfoResponse is returned from GET /v1/userinfo.
type UserInfoResponse struct {
	UserID        string `json:"user_id"`
	Email         string `json:"email"`
	Username      string `json:"username,omitempty"`
	PreferredName string `json:"preferred_name,omitempty"`
}

// RegisterRequest creates an account.
type RegisterRequest struct {
	Email         string `json:"email"`
	Username      string `json:"username,omitempty"`
	PreferredName string `json:"preferred_name,omitempty"`
	Password      string `json:"password"`
	ClientID      string `json:"client_id"`
}

// RegisterResponse carries the new user and the tokens for its first
// session.
type RegisterResponse struct {
	User  UserInfoResponse `json:"user"`
	Token TokenResponse    `json:"token"`
}
