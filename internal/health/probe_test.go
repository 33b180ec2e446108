package health_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-cart/internal/api"
	"github.com/noah-isme/toko-cart/internal/apitest"
	"github.com/noah-isme/toko-cart/internal/health"
)

func newClient(t *testing.T, baseURL string) *api.Client {
	t.Helper()
	client, err := api.New(api.Config{BaseURL: baseURL, Timeout: time.Second})
	require.NoError(t, err)
	return client
}

func redisPinger(t *testing.T) (health.Pinger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return health.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }), mr
}

func TestCheckAllHealthy(t *testing.T) {
	srv := apitest.New()
	t.Cleanup(srv.Close)
	pinger, _ := redisPinger(t)

	report := health.Probe{API: newClient(t, srv.URL), Redis: pinger}.Check(context.Background())
	require.Equal(t, health.Report{API: health.StatusOK, Redis: health.StatusOK}, report)
	require.True(t, report.OK())
}

func TestCheckWithoutRedis(t *testing.T) {
	srv := apitest.New()
	t.Cleanup(srv.Close)

	report := health.Probe{API: newClient(t, srv.URL)}.Check(context.Background())
	require.Equal(t, health.StatusDisabled, report.Redis)
	require.True(t, report.OK())
}

func TestCheckReportsUnreachableAPI(t *testing.T) {
	srv := apitest.New()
	client := newClient(t, srv.URL)
	srv.Close()

	report := health.Probe{API: client, APITimeout: 200 * time.Millisecond}.Check(context.Background())
	require.NotEqual(t, health.StatusOK, report.API)
	require.False(t, report.OK())
}

func TestCheckReportsRedisDown(t *testing.T) {
	srv := apitest.New()
	t.Cleanup(srv.Close)
	pinger, mr := redisPinger(t)
	mr.Close()

	report := health.Probe{API: newClient(t, srv.URL), Redis: pinger, RedisTimeout: 200 * time.Millisecond}.Check(context.Background())
	require.Equal(t, health.StatusOK, report.API)
	require.NotEqual(t, health.StatusOK, report.Redis)
	require.False(t, report.OK())
}
