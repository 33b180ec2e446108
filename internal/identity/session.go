// Package identity holds the shopper's authenticated session: the profile and
// bearer credential, their durable persistence, and the login/logout
// transitions other stores subscribe to.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-cart/internal/common"
	"github.com/noah-isme/toko-cart/internal/events"
)

// Profile is the user returned by the login endpoint.
type Profile struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Role      string `json:"role,omitempty"`
}

// TransitionKind enumerates identity changes.
type TransitionKind int

const (
	// Restored fires once the persisted session has been read on startup.
	Restored TransitionKind = iota + 1
	LoggedIn
	LoggedOut
)

func (k TransitionKind) String() string {
	switch k {
	case Restored:
		return "restored"
	case LoggedIn:
		return "logged_in"
	case LoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Transition is published after the session state has changed.
type Transition struct {
	Kind          TransitionKind
	User          Profile
	Authenticated bool
}

const msgLoginRequired = "Please log in to continue."

// Session is the single source of truth for who the shopper is.
type Session struct {
	store  Store
	check  CredentialCheck
	logger zerolog.Logger

	mu     sync.RWMutex
	user   Profile
	token  string
	authed bool

	feed events.Feed[Transition]
}

// NewSession builds a session backed by store. A nil store keeps the session in memory.
func NewSession(store Store, check CredentialCheck, logger zerolog.Logger) *Session {
	if store == nil {
		store = &MemoryStore{}
	}
	return &Session{store: store, check: check, logger: logger}
}

// Subscribe registers fn for every transition.
func (s *Session) Subscribe(fn func(Transition)) func() {
	return s.feed.Subscribe(fn)
}

// Restore loads the persisted credential. An expired or unreadable credential
// is cleared and the session starts logged out. Restored is always published.
func (s *Session) Restore(ctx context.Context) error {
	creds, ok, err := s.store.Load(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("session_restore_failed")
		_ = s.store.Clear(ctx)
		ok = false
	}
	if ok {
		if verr := s.check.Validate(creds.Token); verr != nil {
			s.logger.Info().Err(verr).Msg("session_restore_discarded")
			if cerr := s.store.Clear(ctx); cerr != nil {
				s.logger.Warn().Err(cerr).Msg("session_clear_failed")
			}
			ok = false
		}
	}

	s.mu.Lock()
	if ok {
		s.user, s.token, s.authed = creds.User, creds.Token, true
	} else {
		s.user, s.token, s.authed = Profile{}, "", false
	}
	t := Transition{Kind: Restored, User: s.user, Authenticated: s.authed}
	s.mu.Unlock()

	s.logger.Debug().Bool("authenticated", t.Authenticated).Msg("session_restored")
	s.feed.Publish(t)
	return err
}

// SetAuthenticated persists user and token, then publishes LoggedIn.
func (s *Session) SetAuthenticated(ctx context.Context, user Profile, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("identity: empty token")
	}
	if err := s.store.Save(ctx, Credentials{User: user, Token: token}); err != nil {
		return err
	}
	s.mu.Lock()
	s.user, s.token, s.authed = user, token, true
	s.mu.Unlock()

	s.logger.Info().Str("user_id", user.ID).Msg("session_logged_in")
	s.feed.Publish(Transition{Kind: LoggedIn, User: user, Authenticated: true})
	return nil
}

// Logout removes both persisted keys and publishes LoggedOut. Local state is
// reset even when the store fails.
func (s *Session) Logout(ctx context.Context) error {
	err := s.store.Clear(ctx)
	s.mu.Lock()
	prev := s.user
	s.user, s.token, s.authed = Profile{}, "", false
	s.mu.Unlock()

	s.logger.Info().Str("user_id", prev.ID).Msg("session_logged_out")
	s.feed.Publish(Transition{Kind: LoggedOut, User: prev})
	return err
}

// IsAuthenticated reports whether a credential is held.
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authed
}

// User returns the current profile and whether the session is authenticated.
func (s *Session) User() (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user, s.authed
}

// Token implements api.TokenSource. It fails with an authorization error
// without touching the network when no usable credential is held.
func (s *Session) Token(context.Context) (string, error) {
	s.mu.RLock()
	token, authed := s.token, s.authed
	s.mu.RUnlock()
	if !authed || token == "" {
		return "", common.Unauthorized(msgLoginRequired, nil)
	}
	if err := s.check.Validate(token); err != nil {
		return "", common.Unauthorized("Your session has expired. Please log in again.", err)
	}
	return token, nil
}
