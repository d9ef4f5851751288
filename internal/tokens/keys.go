package tokens

// Every key this package can write. ClearAll removes exactly this set, so
// a new key must be added here or it will survive logout.
const (
	KeyIDToken      = "auth.id_token"
	KeyRefreshToken = "auth.refresh_token"
	KeyIssuedAt     = "auth.issued_at"
	KeyUserID       = "auth.user_id"
	KeyVersion      = "auth.version"
	KeyUser         = "auth.user"
)

// legacyTokenKeys mirror the primary token for readers that predate the
// external identity provider. Lookup order follows this slice.
var legacyTokenKeys = []string{
	"token",
	"authToken",
	"access_token",
}

// LegacyTokenKeys returns the alias keys in lookup order.
func LegacyTokenKeys() []string {
	return append([]string(nil), legacyTokenKeys...)
}

// TokenKeys returns every key that can hold the current token, primary first.
func TokenKeys() []string {
	return append([]string{KeyIDToken}, legacyTokenKeys...)
}

// AllKeys returns the full key registry.
func AllKeys() []string {
	return append([]string{
		KeyIDToken,
		KeyRefreshToken,
		KeyIssuedAt,
		KeyUserID,
		KeyVersion,
		KeyUser,
	}, legacyTokenKeys...)
}

// IsTokenKey reports whether key holds the current token.
func IsTokenKey(key string) bool {
	if key == KeyIDToken {
		return true
	}
	for _, k := range legacyTokenKeys {
		if k == key {
			return true
		}
	}
	return false
}

// userScopedPrefixes are per-user keys written by older clients outside
// any cache layer. They are named <prefix><userID>.
var userScopedPrefixes = []string{
	"prefs.",
	"drafts.",
	"recent_searches.",
}

// UserScopedKeys returns the legacy per-user keys belonging to userID.
func UserScopedKeys(userID string) []string {
	if userID == "" {
		return nil
	}
	keys := make([]string, 0, len(userScopedPrefixes))
	for _, p := range userScopedPrefixes {
		keys = append(keys, p+userID)
	}
	return keys
}
