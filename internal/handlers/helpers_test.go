package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/admission"
	"github.com/jason-s-yu/roundhouse/internal/auth"
	"github.com/jason-s-yu/roundhouse/internal/broadcast"
	"github.com/jason-s-yu/roundhouse/internal/clock"
	"github.com/jason-s-yu/roundhouse/internal/config"
	"github.com/jason-s-yu/roundhouse/internal/ledger"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/jason-s-yu/roundhouse/internal/outcome"
	"github.com/jason-s-yu/roundhouse/internal/round"
	"github.com/jason-s-yu/roundhouse/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

var (
	t0      = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mainKey = models.RoundKey{Room: "main", GameType: "wingo-1m"}
	rooms   = []config.RoomConfig{{Room: "main", GameType: "wingo-1m", BettingWindow: 40 * time.Second, ResultDisplay: 10 * time.Second}}
)

type fixture struct {
	ctx    context.Context
	st     *store.Memory
	clk    *clock.Fake
	engine *round.Engine
	srv    *httptest.Server
}

func setup(t *testing.T, limits config.Admission, opts ...Option) *fixture {
	t.Helper()
	require.NoError(t, auth.Init())
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	f := &fixture{ctx: context.Background(), st: store.NewMemory(), clk: clock.NewFake(t0)}
	l := ledger.New(f.st, models.DefaultPayoutTable(), ledger.WithClock(f.clk), ledger.WithLogger(logger))
	gen, err := outcome.NewGenerator()
	require.NoError(t, err)
	hub := broadcast.NewHub(broadcast.WithLogger(logger), broadcast.WithPolicy(broadcast.RetryPolicy{
		AckTimeout:   time.Second,
		BaseBackoff:  50 * time.Millisecond,
		MaxBackoff:   200 * time.Millisecond,
		MaxAttempts:  5,
		WriteTimeout: time.Second,
	}))
	f.engine = round.NewEngine(f.st, l, gen, hub, round.WithClock(f.clk), round.WithLogger(logger))

	limiter := admission.NewMemory(limits, clock.Real{})
	s := NewServer(f.engine, f.st, limiter, rooms, append([]Option{WithLogger(logger), WithHeartbeat(time.Minute)}, opts...)...)
	f.srv = httptest.NewServer(s.Router())
	t.Cleanup(func() {
		f.srv.Close()
		hub.Close()
	})
	return f
}

func defaultLimits() config.Admission {
	return config.Admission{MaxConcurrent: 5, MaxAttempts: 50, Window: time.Minute, LeaseTTL: time.Minute}
}

func (f *fixture) identity(t *testing.T, role models.Role, deposit int64) (models.Identity, string) {
	t.Helper()
	id := models.Identity{PlayerID: uuid.New(), Role: role}
	if deposit > 0 {
		_, err := f.engine.AdjustWallet(f.ctx, id.PlayerID, deposit, "deposit")
		require.NoError(t, err)
	}
	token, err := auth.CreateJWT(id)
	require.NoError(t, err)
	return id, token
}

func (f *fixture) open(t *testing.T) *models.Round {
	t.Helper()
	r, err := f.engine.Open(f.ctx, mainKey, round.Durations{BettingWindow: 40 * time.Second, ResultDisplay: 10 * time.Second})
	require.NoError(t, err)
	return r
}

// do sends a request and decodes a JSON response into out when it is non-nil.
func (f *fixture) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}
