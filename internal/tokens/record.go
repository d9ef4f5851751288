package tokens

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version identifies which identity backend issued a token.
type Version string

const (
	Legacy   Version = "legacy"
	External Version = "external"
)

// ParseVersion accepts the two known markers.
func ParseVersion(s string) (Version, bool) {
	switch Version(s) {
	case Legacy:
		return Legacy, true
	case External:
		return External, true
	default:
		return "", false
	}
}

// Record is either a LegacyRecord or an ExternalRecord. Legacy records
// cannot carry a refresh token.
type Record interface {
	Version() Version
	Token() string
	Subject() string

	record()
}

// LegacyRecord is a long-lived bearer token from the legacy backend.
type LegacyRecord struct {
	BearerToken string
	UserID      string
}

func (r LegacyRecord) Version() Version { return Legacy }
func (r LegacyRecord) Token() string    { return r.BearerToken }
func (r LegacyRecord) Subject() string  { return r.UserID }
func (LegacyRecord) record()            {}

// ExternalRecord is a short-lived ID token plus the refresh token used to
// renew it.
type ExternalRecord struct {
	IDToken      string
	RefreshToken string
	IssuedAt     time.Time
	UserID       string
}

func (r ExternalRecord) Version() Version { return External }
func (r ExternalRecord) Token() string    { return r.IDToken }
func (r ExternalRecord) Subject() string  { return r.UserID }
func (ExternalRecord) record()            {}

var (
	ErrNoRecord      = errors.New("tokens: no token record")
	ErrInvalidRecord = errors.New("tokens: invalid token record")
	ErrCorrupt       = errors.New("tokens: corrupt stored value")
)

// Validate checks the invariants every stored record must satisfy.
func Validate(rec Record) error {
	switch r := rec.(type) {
	case LegacyRecord:
		if r.BearerToken == "" {
			return fmt.Errorf("%w: empty bearer token", ErrInvalidRecord)
		}
	case ExternalRecord:
		if r.IDToken == "" {
			return fmt.Errorf("%w: empty id token", ErrInvalidRecord)
		}
		if r.RefreshToken == "" {
			return fmt.Errorf("%w: external record without refresh token", ErrInvalidRecord)
		}
	case nil:
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	default:
		return fmt.Errorf("%w: unknown record type %T", ErrInvalidRecord, rec)
	}
	return nil
}

// User is the denormalized profile kept next to the token so a restart
// can render the signed-in user without a network round trip.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	Username    string `json:"username,omitempty"`
}

// UserPatch carries optional updates for User. Nil fields are untouched.
type UserPatch struct {
	Email       *string
	DisplayName *string
	Username    *string
}

// Apply returns a copy of u with the patch applied. The id never changes.
func (p UserPatch) Apply(u User) User {
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.DisplayName != nil {
		u.DisplayName = *p.DisplayName
	}
	if p.Username != nil {
		u.Username = *p.Username
	}
	return u
}

// DecodeUser parses the stored JSON form of a user.
func DecodeUser(raw string) (User, error) {
	var u User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return User{}, errors.Join(ErrCorrupt, err)
	}
	if u.ID == "" {
		return User{}, fmt.Errorf("%w: user without id", ErrCorrupt)
	}
	return u, nil
}

func encodeUser(u User) (string, error) {
	b, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("failed to encode user: %w", err)
	}
	return string(b), nil
}
