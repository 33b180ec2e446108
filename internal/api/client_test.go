package api_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-cart/internal/api"
	"github.com/noah-isme/toko-cart/internal/apitest"
	"github.com/noah-isme/toko-cart/internal/common"
	"github.com/noah-isme/toko-cart/internal/resilience"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

type failingToken struct{}

func (failingToken) Token(context.Context) (string, error) {
	return "", common.Unauthorized("session expired", nil)
}

func newClient(t *testing.T, baseURL string, tokens api.TokenSource) *api.Client {
	t.Helper()
	c, err := api.New(api.Config{BaseURL: baseURL, Tokens: tokens, Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func TestDoDecodesAuthenticatedResponse(t *testing.T) {
	srv := apitest.New()
	t.Cleanup(srv.Close)
	srv.AddUser("tok-a", apitest.User{ID: "1", Email: "a@example.com"}, "pw")
	srv.SetAddresses("tok-a", apitest.Address{FullName: "Ann", Address1: "1 Main", City: "Pune", State: "MH", Pincode: "411001", Phone: "99"})

	client := newClient(t, srv.URL, staticToken("tok-a"))
	var out []map[string]any
	err := client.Do(context.Background(), api.Request{Method: http.MethodGet, Path: "/users/addresses", Auth: true}, &out)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "Ann", out[0]["fullName"])
}

func TestDoWithoutCredentialNeverCallsNetwork(t *testing.T) {
	srv := apitest.New()
	t.Cleanup(srv.Close)

	client := newClient(t, srv.URL, failingToken{})
	err := client.Do(context.Background(), api.Request{Method: http.MethodGet, Route: "/cart", Path: "/cart", Auth: true}, nil)
	require.ErrorIs(t, err, common.ErrUnauthorized)
	require.Zero(t, srv.Hits(http.MethodGet, "/cart"))

	client = newClient(t, srv.URL, nil)
	err = client.Do(context.Background(), api.Request{Method: http.MethodGet, Path: "/cart", Auth: true}, nil)
	require.ErrorIs(t, err, common.ErrUnauthorized)
}

func TestDoClassifiesStatuses(t *testing.T) {
	srv := apitest.New()
	t.Cleanup(srv.Close)
	srv.AddUser("tok-a", apitest.User{ID: "1"}, "pw")
	client := newClient(t, srv.URL, staticToken("tok-a"))
	ctx := context.Background()

	cases := []struct {
		status   int
		sentinel error
	}{
		{http.StatusBadRequest, common.ErrValidation},
		{http.StatusUnauthorized, common.ErrUnauthorized},
		{http.StatusForbidden, common.ErrUnauthorized},
		{http.StatusNotFound, common.ErrNotFound},
		{http.StatusInternalServerError, common.ErrTransient},
		{http.StatusServiceUnavailable, common.ErrTransient},
	}
	for _, tc := range cases {
		srv.Fail(http.MethodGet, "/cart", tc.status, "boom", 1)
		err := client.Do(ctx, api.Request{Method: http.MethodGet, Path: "/cart", Auth: true}, nil)
		require.ErrorIs(t, err, tc.sentinel, "status %d", tc.status)
		require.Equal(t, "boom", err.Error())
	}
}

func TestDoTransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := newClient(t, url, nil)
	err := client.Do(context.Background(), api.Request{Method: http.MethodPost, Path: "/auth/login", Body: map[string]string{"email": "x"}}, nil)
	require.ErrorIs(t, err, common.ErrTransient)
}

func TestOpenBreakerFailsFastWithoutRetry(t *testing.T) {
	srv := apitest.New()
	t.Cleanup(srv.Close)
	srv.AddUser("tok-a", apitest.User{ID: "1"}, "pw")
	srv.Fail(http.MethodGet, "/cart", http.StatusBadGateway, "", -1)

	breaker := resilience.NewBreaker(2, 0.5, time.Minute)
	client, err := api.New(api.Config{BaseURL: srv.URL, Tokens: staticToken("tok-a"), Breaker: breaker})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := client.Do(ctx, api.Request{Method: http.MethodGet, Path: "/cart", Auth: true}, nil)
		require.ErrorIs(t, err, common.ErrTransient)
	}
	require.Equal(t, 2, srv.Hits(http.MethodGet, "/cart"), "each call issues exactly one request")

	err = client.Do(ctx, api.Request{Method: http.MethodGet, Path: "/cart", Auth: true}, nil)
	require.ErrorIs(t, err, common.ErrTransient)
	require.True(t, errors.Is(err, resilience.ErrOpenCircuit))
	require.Equal(t, 2, srv.Hits(http.MethodGet, "/cart"))
}

func TestNewRejectsRelativeBaseURL(t *testing.T) {
	_, err := api.New(api.Config{BaseURL: "/api"})
	require.Error(t, err)
	_, err = api.New(api.Config{})
	require.Error(t, err)
}
