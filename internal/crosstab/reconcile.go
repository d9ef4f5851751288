// Package crosstab keeps a tab's session in step with writes other tabs
// make to the shared profile.
package crosstab

import (
	"github.com/aussiebroadwan/tabsession/internal/kv"
	"github.com/aussiebroadwan/tabsession/internal/session"
	"github.com/aussiebroadwan/tabsession/internal/tokens"
)

// Action is what a change event asks of the local session.
type Action int

const (
	// Ignore leaves the session as it is.
	Ignore Action = iota
	// Logout follows a token removal in another tab. The target checks
	// storage before tearing anything down.
	Logout
	// Adopt re-reads the stored session; the target decides whether it
	// is a refresh, a profile update or a new identity.
	Adopt
)

func (a Action) String() string {
	switch a {
	case Logout:
		return "logout"
	case Adopt:
		return "adopt"
	default:
		return "ignore"
	}
}

// Reconcile decides how current should react to ev. Values it cannot
// parse are inconclusive and ignored.
func Reconcile(current session.Snapshot, ev kv.ChangeEvent) Action {
	switch {
	case tokens.IsTokenKey(ev.Key):
		return reconcileToken(current, ev)
	case ev.Key == tokens.KeyUser:
		return reconcileUser(current, ev)
	default:
		return Ignore
	}
}

func reconcileToken(current session.Snapshot, ev kv.ChangeEvent) Action {
	if ev.Removed() {
		if current.Token != "" {
			return Logout
		}
		return Ignore
	}

	token := *ev.NewValue
	if token == "" || token == current.Token {
		return Ignore
	}
	return Adopt
}

func reconcileUser(current session.Snapshot, ev kv.ChangeEvent) Action {
	// A removed user comes with removed tokens, which decide.
	if ev.Removed() {
		return Ignore
	}

	user, err := tokens.DecodeUser(*ev.NewValue)
	if err != nil {
		return Ignore
	}

	if current.User == nil || user.ID != current.User.ID || user != *current.User {
		return Adopt
	}
	return Ignore
}
