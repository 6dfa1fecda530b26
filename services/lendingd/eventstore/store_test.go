package eventstore

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"lendcore/core/events"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	store, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Emit(events.LendingDeposit{Account: "alice", Token: "usdc", Amount: big.NewInt(100)})
	store.Emit(events.LendingDeposit{Account: "bob", Token: "eth", Amount: big.NewInt(5)})
	store.Emit(events.LendingLiquidation{Liquidator: "bob", Account: "alice", Position: "regular"})

	all, err := store.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, events.TypeLendingDeposit, all[0].Type)
	require.Equal(t, "100", all[0].Attrs["amount"])
	require.Less(t, all[0].Seq, all[1].Seq)

	alice, err := store.Query(ctx, Filter{Account: "alice"})
	require.NoError(t, err)
	require.Len(t, alice, 2)

	bob, err := store.Query(ctx, Filter{Account: "bob", Types: []string{events.TypeLendingLiquidation}})
	require.NoError(t, err)
	require.Len(t, bob, 1)
	require.Equal(t, "alice", bob[0].Record().Attributes["account"])

	after, err := store.Query(ctx, Filter{AfterID: all[1].Seq})
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, events.TypeLendingLiquidation, after[0].Type)

	limited, err := store.Query(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mongo", "x")
	require.Error(t, err)
}
