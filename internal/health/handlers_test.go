package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/hostpay/internal/health"
	"github.com/noah-isme/hostpay/internal/store"
)

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func ready(t *testing.T, h health.Handler) (int, readiness) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	var body readiness
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return rr.Code, body
}

func probe(name string, err error) health.Probe {
	return health.Probe{Name: name, Check: func(context.Context) error { return err }}
}

func TestLive(t *testing.T) {
	rr := httptest.NewRecorder()
	health.Handler{}.Live(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

func TestReadyAggregatesProbes(t *testing.T) {
	code, body := ready(t, health.Handler{Probes: []health.Probe{probe("db", nil), probe("redis", nil)}})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, readiness{Status: "ok", Checks: map[string]string{"db": "ok", "redis": "ok"}}, body)

	code, body = ready(t, health.Handler{Probes: []health.Probe{probe("db", errors.New("db down")), probe("redis", nil)}})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "degraded", body.Status)
	require.Equal(t, "db down", body.Checks["db"])

	code, body = ready(t, health.Handler{})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "unconfigured", body.Status)
}

func TestReadyProbeTimeout(t *testing.T) {
	slow := health.Probe{Name: "db", Timeout: 10 * time.Millisecond, Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	code, body := ready(t, health.Handler{Probes: []health.Probe{slow}})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, context.DeadlineExceeded.Error(), body.Checks["db"])
}

func TestReadyTreatsMissingRedisAsDisabled(t *testing.T) {
	h := health.Handler{Probes: []health.Probe{health.Store(store.NewMemory(), 0), health.Redis(nil, 0)}}
	code, body := ready(t, h)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "disabled", body.Checks["redis"])
	require.Equal(t, "ok", body.Checks["db"])
}

func TestRedisProbe(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	p := health.Redis(rdb, time.Second)
	require.NoError(t, p.Check(context.Background()))

	mr.Close()
	require.Error(t, p.Check(context.Background()))
	require.Error(t, health.Store(nil, 0).Check(context.Background()))
}
