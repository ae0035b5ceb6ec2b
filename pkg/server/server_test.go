package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/drip/pkg/distributor"
	"github.com/malbeclabs/drip/pkg/driptest"
	"github.com/malbeclabs/drip/pkg/retry"
	"github.com/malbeclabs/drip/pkg/schedule"
	"github.com/malbeclabs/drip/pkg/server"
)

const week = 604800 * time.Second

var (
	// A unix week boundary: 2026-01-08T00:00:00Z.
	boundary = time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC)

	midWeek = boundary.Add(26 * time.Hour)
)

func wkKey(n int) schedule.Key {
	return schedule.KeyAt(boundary.Add(time.Duration(n)*week), schedule.DefaultEpoch)
}

type stubRegistry struct {
	rewardInfoFunc func(receiver, asset string) (distributor.RewardInfo, bool, error)
	assetsFunc     func(receiver string) ([]string, error)
}

func (s *stubRegistry) RewardInfo(ctx context.Context, receiver, asset string) (distributor.RewardInfo, bool, error) {
	if s.rewardInfoFunc != nil {
		return s.rewardInfoFunc(receiver, asset)
	}
	return distributor.RewardInfo{}, true, nil
}

func (s *stubRegistry) Assets(ctx context.Context, receiver string) ([]string, error) {
	if s.assetsFunc != nil {
		return s.assetsFunc(receiver)
	}
	return nil, nil
}

type stubTransferer struct {
	pushes []uint64
}

func (s *stubTransferer) Pull(ctx context.Context, asset, from string, amount uint64) error {
	return nil
}

func (s *stubTransferer) Push(ctx context.Context, asset, to string, amount uint64) error {
	s.pushes = append(s.pushes, amount)
	return nil
}

type stubNotifier struct{}

func (s *stubNotifier) Notify(ctx context.Context, receiver, asset string, amount uint64) error {
	return nil
}

const operatorToken = "test-operator-token"

type fixture struct {
	handler http.Handler
	clock   *clockwork.FakeClock
	xfer    *stubTransferer
}

func newTestServer(t *testing.T, registry *stubRegistry, opts ...func(*server.Config)) *fixture {
	t.Helper()

	log := driptest.NewLogger()
	store := schedule.NewMemStore()
	book, err := schedule.NewBook(schedule.BookConfig{Logger: log, Store: store})
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(midWeek)
	xfer := &stubTransferer{}
	dist, err := distributor.New(distributor.Config{
		Logger:            log,
		Clock:             clock,
		Book:              book,
		Registry:          registry,
		Transferer:        xfer,
		Notifier:          &stubNotifier{},
		Identity:          "drip-service",
		OperatorTokenHash: distributor.HashToken(operatorToken),
		Retry:             retry.Config{MaxAttempts: 1},
	})
	require.NoError(t, err)

	cfg := server.Config{
		Logger:      log,
		ListenAddr:  "127.0.0.1:0",
		Distributor: dist,
		VersionInfo: server.VersionInfo{Version: "test", Commit: "abc", Date: "2026-01-08"},
		// High enough that tests never trip the limiter unless they mean to.
		MutateRate:  rate.Inf,
		MutateBurst: 1000,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := server.New(cfg)
	require.NoError(t, err)

	return &fixture{handler: srv.Handler(), clock: clock, xfer: xfer}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) deposit(t *testing.T, receiver, asset string, amount uint64, key schedule.Key) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, http.MethodPost, "/v1/deposits", map[string]any{
		"depositor":      "alice",
		"receiver":       receiver,
		"asset":          asset,
		"amount":         amount,
		"activation_key": uint64(key),
	}, nil)
}

func TestDrip_Server_ConfigValidate(t *testing.T) {
	t.Parallel()

	_, err := server.New(server.Config{})
	require.Error(t, err)

	_, err = server.New(server.Config{Logger: driptest.NewLogger(), ListenAddr: ":0"})
	require.ErrorContains(t, err, "distributor is required")
}

func TestDrip_Server_Healthz(t *testing.T) {
	t.Parallel()

	f := newTestServer(t, &stubRegistry{})
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := f.do(t, http.MethodGet, path, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestDrip_Server_Version(t *testing.T) {
	t.Parallel()

	f := newTestServer(t, &stubRegistry{})
	rec := f.do(t, http.MethodGet, "/version", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got server.VersionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "test", got.Version)
	require.Equal(t, "abc", got.Commit)
}

func TestDrip_Server_DepositAndPending(t *testing.T) {
	t.Parallel()

	f := newTestServer(t, &stubRegistry{})

	rec := f.deposit(t, "pool", "usdc", 100, wkKey(1))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.deposit(t, "pool", "usdc", 50, wkKey(1))
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Nothing is due yet as of now.
	rec = f.do(t, http.MethodGet, "/v1/ledgers/pool/usdc/pending", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending struct {
		Pending uint64 `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Zero(t, pending.Pending)

	// Previewing through next week's boundary sees the merged deposit.
	rec = f.do(t, http.MethodGet, fmt.Sprintf("/v1/ledgers/pool/usdc/pending?through=%d", wkKey(1)), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Equal(t, uint64(150), pending.Pending)
}

func TestDrip_Server_DepositValidation(t *testing.T) {
	t.Parallel()

	f := newTestServer(t, &stubRegistry{
		rewardInfoFunc: func(receiver, asset string) (distributor.RewardInfo, bool, error) {
			return distributor.RewardInfo{}, receiver == "pool", nil
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/deposits", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing fields.
	rec = f.do(t, http.MethodPost, "/v1/deposits", map[string]any{"amount": 1}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Zero amount.
	rec = f.deposit(t, "pool", "usdc", 0, wkKey(1))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Key not epoch-aligned.
	rec = f.deposit(t, "pool", "usdc", 10, wkKey(1)+1)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Key not in the future.
	rec = f.deposit(t, "pool", "usdc", 10, wkKey(0))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Unrecognized pair.
	rec = f.deposit(t, "ghost", "usdc", 10, wkKey(1))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestDrip_Server_DrainRoutes(t *testing.T) {
	t.Parallel()

	f := newTestServer(t, &stubRegistry{
		assetsFunc: func(receiver string) ([]string, error) {
			return []string{"usdc"}, nil
		},
	})

	rec := f.deposit(t, "pool", "usdc", 75, wkKey(1))
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Not yet due.
	rec = f.do(t, http.MethodPost, "/v1/ledgers/pool/usdc/drain", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var drained struct {
		Amount uint64 `json:"amount"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &drained))
	require.Zero(t, drained.Amount)

	f.clock.Advance(week)

	rec = f.do(t, http.MethodPost, "/v1/receivers/pool/drain", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &drained))
	require.Equal(t, uint64(75), drained.Amount)
	require.Equal(t, []uint64{75}, f.xfer.pushes)
}

func TestDrip_Server_NodeRoute(t *testing.T) {
	t.Parallel()

	f := newTestServer(t, &stubRegistry{})

	rec := f.deposit(t, "pool", "usdc", 40, wkKey(2))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/v1/ledgers/pool/usdc/nodes/%d", wkKey(2)), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var node struct {
		ActivationKey uint64 `json:"activation_key"`
		Amount        uint64 `json:"amount"`
		Next          uint64 `json:"next"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &node))
	require.Equal(t, uint64(wkKey(2)), node.ActivationKey)
	require.Equal(t, uint64(40), node.Amount)
	require.Zero(t, node.Next)

	rec = f.do(t, http.MethodGet, "/v1/ledgers/pool/usdc/nodes/not-a-key", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDrip_Server_Recover(t *testing.T) {
	t.Parallel()

	active := true
	f := newTestServer(t, &stubRegistry{
		rewardInfoFunc: func(receiver, asset string) (distributor.RewardInfo, bool, error) {
			return distributor.RewardInfo{}, active, nil
		},
	})

	rec := f.deposit(t, "pool", "usdc", 500, wkKey(10))
	require.Equal(t, http.StatusAccepted, rec.Code)
	active = false

	body := map[string]string{"recipient": "treasury"}

	// No token.
	rec = f.do(t, http.MethodPost, "/v1/ledgers/pool/usdc/recover", body, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Wrong token.
	rec = f.do(t, http.MethodPost, "/v1/ledgers/pool/usdc/recover", body, http.Header{
		"Authorization": []string{"Bearer wrong"},
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Missing recipient.
	rec = f.do(t, http.MethodPost, "/v1/ledgers/pool/usdc/recover", map[string]string{}, http.Header{
		"Authorization": []string{"Bearer " + operatorToken},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/ledgers/pool/usdc/recover", body, http.Header{
		"Authorization": []string{"Bearer " + operatorToken},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var drained struct {
		Amount uint64 `json:"amount"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &drained))
	require.Equal(t, uint64(500), drained.Amount)
}

func TestDrip_Server_RecoverActivePairRefused(t *testing.T) {
	t.Parallel()

	f := newTestServer(t, &stubRegistry{})

	rec := f.do(t, http.MethodPost, "/v1/ledgers/pool/usdc/recover",
		map[string]string{"recipient": "treasury"},
		http.Header{"Authorization": []string{"Bearer " + operatorToken}})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestDrip_Server_RateLimit(t *testing.T) {
	t.Parallel()

	f := newTestServer(t, &stubRegistry{}, func(cfg *server.Config) {
		cfg.MutateRate = rate.Every(time.Hour)
		cfg.MutateBurst = 1
	})

	rec := f.deposit(t, "pool", "usdc", 10, wkKey(1))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.deposit(t, "pool", "usdc", 10, wkKey(1))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Read routes are not rate limited.
	rec = f.do(t, http.MethodGet, "/v1/ledgers/pool/usdc/pending", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
