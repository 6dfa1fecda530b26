package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"nhooyr.io/websocket"

	"lendcore/core/events"
	"lendcore/core/state"
	"lendcore/native/common"
	"lendcore/native/lending"
	"lendcore/native/oracle"
	"lendcore/services/lendingd/eventstore"
	"lendcore/storage"
)

const (
	testSecret        = "jwt-secret"
	testAdminToken    = "admin-token"
	testCallbackToken = "relay-token"
)

type recordingTransferer struct {
	mu       sync.Mutex
	requests []lending.TransferRequest
}

func (r *recordingTransferer) Transfer(_ context.Context, req lending.TransferRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return nil
}

func (r *recordingTransferer) all() []lending.TransferRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lending.TransferRequest(nil), r.requests...)
}

type testServer struct {
	http       *httptest.Server
	server     *Server
	engine     *lending.Engine
	transferer *recordingTransferer
	store      *eventstore.Store
}

func usdcConfig() lending.AssetConfig {
	rate := func(s string) *big.Int {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			panic(s)
		}
		return v
	}
	return lending.AssetConfig{
		ReserveRatio:           2500,
		TargetUtilization:      8000,
		TargetUtilizationRate:  rate("1000000000002440418605283556"),
		MaxUtilizationRate:     rate("1000000000039724853136740579"),
		HoldingPositionFeeRate: rate("1000000000000000000000000000"),
		VolatilityRatio:        9500,
		CanDeposit:             true,
		CanWithdraw:            true,
		CanUseAsCollateral:     true,
		CanBorrow:              true,
		NetTVLMultiplier:       10000,
		MinBorrowedAmount:      big.NewInt(1),
	}
}

func newTestServer(t *testing.T, quota *common.QuotaTracker) *testServer {
	t.Helper()
	st, err := state.NewStore(storage.NewMemDB())
	require.NoError(t, err)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	evStore, err := eventstore.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = evStore.Close() })

	hub := NewHub(16)
	cfg := lending.DefaultConfig()
	cfg.Owner = "owner"
	engine := lending.NewEngine(cfg)
	engine.SetState(st)
	transferer := &recordingTransferer{}
	engine.SetTransferer(transferer)
	engine.SetEmitter(events.MultiEmitter{evStore, hub})
	require.NoError(t, engine.ListAsset("usdc", usdcConfig()))

	feed := oracle.NewManualFeed()
	feed.Set("usdc", oracle.Quote{Multiplier: big.NewInt(1), Decimals: 18, Timestamp: time.Now()})
	prices := oracle.NewAggregator([]string{"manual"}, 0)
	prices.Register("manual", feed)

	auth, err := NewAuthenticator(AuthConfig{
		APITokens:      []string{testAdminToken},
		CallbackTokens: []string{testCallbackToken},
		JWT:            JWTConfig{HMACSecret: testSecret},
	}, nil)
	require.NoError(t, err)

	srv, err := New(Config{
		Engine: engine,
		Prices: prices,
		Events: evStore,
		Hub:    hub,
		Auth:   auth,
		Quota:  quota,
	})
	require.NoError(t, err)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return &testServer{http: httpSrv, server: srv, engine: engine, transferer: transferer, store: evStore}
}

func userToken(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": subject, "exp": time.Now().Add(time.Hour).Unix()}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func (ts *testServer) deposit(t *testing.T, account string, amount int64) {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/v1/accounts/"+account+"/deposit", testCallbackToken,
		map[string]interface{}{"token": "usdc", "amount": amount})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDepositWithdrawAndTransferSettlement(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := userToken(t, "alice")

	resp := ts.do(t, http.MethodPost, "/v1/accounts/alice", alice, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/v1/accounts/alice", alice, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	ts.deposit(t, "alice", 10_000)

	resp = ts.do(t, http.MethodPost, "/v1/accounts/alice/actions", alice, map[string]interface{}{
		"actions": []map[string]interface{}{
			{"kind": "withdraw", "asset": map[string]interface{}{"token": "usdc", "amount": 4000}},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view lending.AccountView
	decode(t, resp, &view)
	require.Len(t, view.Supplied, 1)
	require.Equal(t, int64(6000), view.Supplied[0].Balance.Int64())

	requests := ts.transferer.all()
	require.Len(t, requests, 1)
	require.Equal(t, lending.AccountID("alice"), requests[0].Account)
	require.Equal(t, int64(4000), requests[0].ExternalAmount.Int64())

	resp = ts.do(t, http.MethodGet, "/v1/transfers/"+requests[0].ID, alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/v1/transfers/"+requests[0].ID, userToken(t, "bob"), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/v1/callbacks/transfer", testCallbackToken,
		map[string]interface{}{"id": requests[0].ID, "success": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/v1/callbacks/transfer", testCallbackToken,
		map[string]interface{}{"id": requests[0].ID, "success": false})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/v1/accounts/alice/events?type="+events.TypeLendingTransferSettled, alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stored []eventstore.StoredEvent
	decode(t, resp, &stored)
	require.Len(t, stored, 1)
	require.Equal(t, "true", stored[0].Attrs["success"])
}

func TestFailedTransferRecreditsOnce(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := userToken(t, "alice")
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/accounts/alice", alice, nil).StatusCode)
	ts.deposit(t, "alice", 5000)

	resp := ts.do(t, http.MethodPost, "/v1/accounts/alice/actions", alice, map[string]interface{}{
		"actions": []map[string]interface{}{
			{"kind": "withdraw", "asset": map[string]interface{}{"token": "usdc", "amount": 5000}},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := ts.transferer.all()[0].ID

	resp = ts.do(t, http.MethodPost, "/v1/callbacks/transfer", testCallbackToken,
		map[string]interface{}{"id": id, "success": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/v1/callbacks/transfer", testCallbackToken,
		map[string]interface{}{"id": id, "success": false})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/v1/accounts/alice", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view lending.AccountView
	decode(t, resp, &view)
	require.Len(t, view.Supplied, 1)
	require.Equal(t, int64(5000), view.Supplied[0].Balance.Int64())
}

func TestAuthorization(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := userToken(t, "alice")

	require.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/v1/assets", "", nil).StatusCode)
	require.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/v1/assets", "garbage", nil).StatusCode)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/assets", alice, nil).StatusCode)
	require.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, "/v1/accounts/bob", alice, nil).StatusCode)

	// Deposits are credited on the relay's word only.
	resp := ts.do(t, http.MethodPost, "/v1/accounts/alice/deposit", alice,
		map[string]interface{}{"token": "usdc", "amount": 10})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	require.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/v1/exports/share-deltas", alice, nil).StatusCode)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/exports/share-deltas", userToken(t, "ops", AdminScope), nil).StatusCode)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/v1/assets", expired, nil).StatusCode)

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/accounts/carol", testAdminToken, nil).StatusCode)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", "", nil).StatusCode)
}

func TestEngineErrorsMapToStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := userToken(t, "alice")

	resp := ts.do(t, http.MethodPost, "/v1/accounts/alice/deposit", testCallbackToken,
		map[string]interface{}{"token": "usdc", "amount": 10})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/accounts/alice", alice, nil).StatusCode)
	ts.deposit(t, "alice", 1000)

	resp = ts.do(t, http.MethodPost, "/v1/accounts/alice/actions", alice, map[string]interface{}{
		"actions": []map[string]interface{}{
			{"kind": "withdraw", "asset": map[string]interface{}{"token": "usdc", "amount": 100_000}},
		},
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/v1/accounts/alice/actions", alice, map[string]interface{}{
		"actions": []map[string]interface{}{
			{"kind": "withdraw", "asset": map[string]interface{}{"token": "doge", "amount": 1}},
		},
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/v1/accounts/alice/actions", alice, map[string]interface{}{"unknown": true})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/assets/doge", alice, nil).StatusCode)
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/transfers/missing", alice, nil).StatusCode)

	resp = ts.do(t, http.MethodPost, "/v1/admin/protocol-fees/usdc/withdraw", userToken(t, "mallory", AdminScope),
		map[string]interface{}{"amount": 1, "recipient": "mallory"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", common.ErrModulePaused), http.StatusServiceUnavailable},
		{common.ErrQuotaActionsExceeded, http.StatusTooManyRequests},
		{lending.ErrUnknownPosition, http.StatusNotFound},
		{lending.ErrPositionBusy, http.StatusConflict},
		{lending.ErrInsufficientShares, http.StatusConflict},
		{lending.ErrSlippage, http.StatusUnprocessableEntity},
		{lending.ErrUnauthorized, http.StatusForbidden},
		{lending.ErrInsufficientBalance, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestQuotaThrottlesActions(t *testing.T) {
	quota := common.NewQuotaTracker(common.Quota{MaxActionsPerEpoch: 2, EpochSeconds: 3600})
	ts := newTestServer(t, quota)
	alice := userToken(t, "alice")
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/accounts/alice", alice, nil).StatusCode)
	ts.deposit(t, "alice", 10_000)

	withdraw := map[string]interface{}{
		"actions": []map[string]interface{}{
			{"kind": "withdraw", "asset": map[string]interface{}{"token": "usdc", "amount": 1}},
			{"kind": "withdraw", "asset": map[string]interface{}{"token": "usdc", "amount": 1}},
		},
	}
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/v1/accounts/alice/actions", alice, withdraw).StatusCode)
	require.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodPost, "/v1/accounts/alice/actions", alice, withdraw).StatusCode)
}

func TestReserveDepositAndAssetView(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, http.MethodPost, "/v1/reserves/usdc", testCallbackToken, map[string]interface{}{"amount": 50})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/v1/assets/usdc", testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view lending.AssetView
	decode(t, resp, &view)
	require.Equal(t, int64(50), view.Reserved.Int64())

	resp = ts.do(t, http.MethodGet, "/v1/protocol-debts", testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var debts map[string]*big.Int
	decode(t, resp, &debts)
	require.Empty(t, debts)
}

func TestShareDeltaExport(t *testing.T) {
	ts := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/accounts/alice", testAdminToken, nil).StatusCode)
	ts.deposit(t, "alice", 1000)

	resp := ts.do(t, http.MethodGet, "/v1/exports/share-deltas?format=jsonl&account=alice", testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Checksum-SHA256"))
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), `"account":"alice"`)

	resp = ts.do(t, http.MethodGet, "/v1/exports/share-deltas?format=parquet", testAdminToken, nil)
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/v1/exports/share-deltas?format=xml", testAdminToken, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(streamMessage) bool) streamMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg streamMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		if match(msg) {
			return msg
		}
	}
}

func TestEventStreamReplaysAndFollows(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := userToken(t, "alice")
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/accounts/alice", alice, nil).StatusCode)
	ts.deposit(t, "alice", 1000)

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/v1/accounts/alice/events/stream"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + alice}},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	isDeposit := func(amount string) func(streamMessage) bool {
		return func(msg streamMessage) bool {
			return msg.Type == events.TypeLendingDeposit && msg.Attributes["amount"] == amount
		}
	}
	backlog := readUntil(t, conn, isDeposit("1000"))
	require.NotZero(t, backlog.Seq)

	require.Eventually(t, func() bool { return ts.server.Hub().Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	ts.deposit(t, "alice", 2500)
	live := readUntil(t, conn, isDeposit("2500"))
	require.Equal(t, "alice", live.Attributes["account"])
}

func TestRateLimiterPerCaller(t *testing.T) {
	limiter := NewRateLimiter(60, 2)
	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }

	require.True(t, limiter.allow("alice"))
	require.True(t, limiter.allow("alice"))
	require.False(t, limiter.allow("alice"))
	require.True(t, limiter.allow("bob"))

	now = now.Add(time.Second)
	require.True(t, limiter.allow("alice"))
	require.Nil(t, NewRateLimiter(0, 10))
}

func TestHubFiltersByAccount(t *testing.T) {
	hub := NewHub(1)
	alice, cancelAlice := hub.Subscribe("alice")
	defer cancelAlice()
	bob, cancelBob := hub.Subscribe("bob")

	hub.Emit(events.LendingLiquidation{Liquidator: "bob", Account: "alice", Position: "regular"})
	require.Equal(t, events.TypeLendingLiquidation, (<-alice).Type)
	require.Equal(t, events.TypeLendingLiquidation, (<-bob).Type)

	hub.Emit(events.LendingDeposit{Account: "alice", Token: "usdc", Amount: big.NewInt(1)})
	hub.Emit(events.LendingDeposit{Account: "alice", Token: "usdc", Amount: big.NewInt(2)})
	require.Equal(t, uint64(1), hub.Dropped())

	cancelBob()
	cancelBob()
	require.Equal(t, 1, hub.Subscribers())
}
