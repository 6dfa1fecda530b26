package clients

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"lendcore/native/lending"
)

func TestVenueAndTransfererPostJSON(t *testing.T) {
	var paths []string
	var swap lending.SwapRequest
	var transfer lending.TransferRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer relay-token", r.Header.Get("Authorization"))
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/v1/swaps":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&swap))
		case "/v1/transfers":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&transfer))
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL + "/", BearerToken: "relay-token"})
	require.NoError(t, err)

	err = NewVenue(client).Swap(context.Background(), lending.SwapRequest{
		Venue:        "ref",
		TokenIn:      "usdc",
		AmountIn:     big.NewInt(1000),
		TokenOut:     "eth",
		MinAmountOut: big.NewInt(1),
		Reference:    lending.SwapReference{AccountID: "alice", PositionID: "p1", Op: lending.MarginOpOpen, Nonce: "n1"},
	})
	require.NoError(t, err)
	require.Equal(t, "n1", swap.Reference.Nonce)
	require.Equal(t, 0, swap.AmountIn.Cmp(big.NewInt(1000)))

	err = NewTransferer(client).Transfer(context.Background(), lending.TransferRequest{
		ID: "t1", Account: "alice", Token: "usdc", Source: lending.SourceSupply,
		Amount: big.NewInt(10), ExternalAmount: big.NewInt(10),
	})
	require.NoError(t, err)
	require.Equal(t, "t1", transfer.ID)
	require.Equal(t, []string{"/v1/swaps", "/v1/transfers"}, paths)
}

func TestClientReportsRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "venue halted", http.StatusServiceUnavailable)
	}))
	defer server.Close()
	client, err := NewClient(Config{BaseURL: server.URL})
	require.NoError(t, err)
	err = NewTransferer(client).Transfer(context.Background(), lending.TransferRequest{ID: "t1"})
	require.ErrorContains(t, err, "venue halted")
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}
