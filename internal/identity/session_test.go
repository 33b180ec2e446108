package identity_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-cart/internal/common"
	"github.com/noah-isme/toko-cart/internal/identity"
)

func signedToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(exp.Add(-time.Hour)).
		Expiration(exp).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte("secret")))
	require.NoError(t, err)
	return string(signed)
}

func newRedisStore(t *testing.T) (identity.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return identity.RedisStore{R: client, Namespace: "toko"}, mr
}

func TestRedisStoreRoundTripAndAtomicClear(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, ok, err := store.Load(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	creds := identity.Credentials{User: identity.Profile{ID: "7", Email: "a@example.com"}, Token: "tok-a"}
	require.NoError(t, store.Save(ctx, creds))
	require.True(t, mr.Exists("toko:user"))
	require.True(t, mr.Exists("toko:token"))

	got, ok, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, creds, got)

	require.NoError(t, store.Clear(ctx))
	require.False(t, mr.Exists("toko:user"))
	require.False(t, mr.Exists("toko:token"))
}

func TestRedisStoreIgnoresHalfWrittenSession(t *testing.T) {
	store, mr := newRedisStore(t)
	require.NoError(t, mr.Set("toko:token", "tok-a"))

	_, ok, err := store.Load(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSessionRestorePublishesTransition(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, identity.Credentials{User: identity.Profile{ID: "7"}, Token: "opaque"}))

	session := identity.NewSession(store, identity.CredentialCheck{}, zerolog.Nop())
	var got []identity.Transition
	session.Subscribe(func(tr identity.Transition) { got = append(got, tr) })

	require.NoError(t, session.Restore(ctx))
	require.True(t, session.IsAuthenticated())
	require.Len(t, got, 1)
	require.Equal(t, identity.Restored, got[0].Kind)
	require.True(t, got[0].Authenticated)

	token, err := session.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "opaque", token)
}

func TestSessionRestoreDiscardsExpiredCredential(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	now := time.Now()
	expired := signedToken(t, "7", now.Add(-time.Minute))
	require.NoError(t, store.Save(ctx, identity.Credentials{User: identity.Profile{ID: "7"}, Token: expired}))

	session := identity.NewSession(store, identity.CredentialCheck{Now: func() time.Time { return now }}, zerolog.Nop())
	require.NoError(t, session.Restore(ctx))
	require.False(t, session.IsAuthenticated())
	require.False(t, mr.Exists("toko:token"))
}

func TestSessionTokenRequiresLogin(t *testing.T) {
	session := identity.NewSession(nil, identity.CredentialCheck{}, zerolog.Nop())
	_, err := session.Token(context.Background())
	require.ErrorIs(t, err, common.ErrUnauthorized)
}

func TestSessionTokenExpiresWhileHeld(t *testing.T) {
	now := time.Now()
	clock := now
	check := identity.CredentialCheck{Now: func() time.Time { return clock }}
	session := identity.NewSession(nil, check, zerolog.Nop())
	ctx := context.Background()

	token := signedToken(t, "7", now.Add(time.Minute))
	require.NoError(t, session.SetAuthenticated(ctx, identity.Profile{ID: "7"}, token))
	got, err := session.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, token, got)
	require.Equal(t, "7", identity.Subject(got))

	clock = now.Add(2 * time.Minute)
	_, err = session.Token(ctx)
	require.ErrorIs(t, err, common.ErrUnauthorized)
	require.ErrorIs(t, err, identity.ErrCredentialExpired)
}

func TestSessionLoginLogoutTransitions(t *testing.T) {
	store, mr := newRedisStore(t)
	session := identity.NewSession(store, identity.CredentialCheck{}, zerolog.Nop())
	ctx := context.Background()

	var kinds []identity.TransitionKind
	unsubscribe := session.Subscribe(func(tr identity.Transition) { kinds = append(kinds, tr.Kind) })

	require.NoError(t, session.SetAuthenticated(ctx, identity.Profile{ID: "a"}, "tok-a"))
	user, ok := session.User()
	require.True(t, ok)
	require.Equal(t, "a", user.ID)

	require.NoError(t, session.Logout(ctx))
	require.False(t, session.IsAuthenticated())
	require.False(t, mr.Exists("toko:user"))

	unsubscribe()
	require.NoError(t, session.SetAuthenticated(ctx, identity.Profile{ID: "b"}, "tok-b"))
	require.Equal(t, []identity.TransitionKind{identity.LoggedIn, identity.LoggedOut}, kinds)

	require.Error(t, session.SetAuthenticated(ctx, identity.Profile{ID: "c"}, "  "))
}
