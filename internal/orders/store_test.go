package orders

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketstream/internal/domain"
)

func TestStoreInsertGetRoundTrip(t *testing.T) {
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	price := decimal.NewFromFloat(101.5)
	now := time.Now().UTC().Truncate(time.Millisecond)
	task := &domain.OrderTask{
		TaskID: "t1",
		Request: domain.OrderRequest{
			IdempotencyKey:  "K1",
			AccountID:       "A",
			InstrumentToken: 256265,
			Side:            domain.SideBuy,
			Quantity:        decimal.NewFromInt(5),
			Price:           &price,
			Product:         "MIS",
			Variety:         "regular",
			Validity:        "DAY",
		},
		State:     domain.OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Insert(task))

	got, ok, err := store.Get("t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task.Request.AccountID, got.Request.AccountID)
	require.True(t, task.Request.Quantity.Equal(got.Request.Quantity))
	require.True(t, task.Request.Price.Equal(*got.Request.Price))
	require.Equal(t, domain.OrderPending, got.State)
}

func TestStoreUpdateAndDeadLetters(t *testing.T) {
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	now := time.Now().UTC().Truncate(time.Millisecond)
	task := &domain.OrderTask{
		TaskID: "t2",
		Request: domain.OrderRequest{
			IdempotencyKey: "K2", AccountID: "A", InstrumentToken: 1,
			Side: domain.SideSell, Quantity: decimal.NewFromInt(1),
			Product: "CNC", Variety: "regular", Validity: "DAY",
		},
		State:     domain.OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Insert(task))

	task.State = domain.OrderDeadLettered
	task.LastError = "max attempts exceeded"
	task.TerminalAt = now
	require.NoError(t, store.Update(task))

	dead, err := store.DeadLetters()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "t2", dead[0].TaskID)
	require.Equal(t, "max attempts exceeded", dead[0].LastError)
}

func TestStorePendingResumesInFlightTasks(t *testing.T) {
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	now := time.Now().UTC().Truncate(time.Millisecond)
	for i, state := range []domain.OrderState{domain.OrderPending, domain.OrderDispatching, domain.OrderPlaced} {
		task := &domain.OrderTask{
			TaskID: "t" + string(rune('a'+i)),
			Request: domain.OrderRequest{
				IdempotencyKey: "K", AccountID: "A", InstrumentToken: 1,
				Side: domain.SideBuy, Quantity: decimal.NewFromInt(1),
				Product: "MIS", Variety: "regular", Validity: "DAY",
			},
			State:     state,
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, store.Insert(task))
	}

	pending, err := store.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2, "only pending and dispatching tasks resume; placed is terminal")
}

func TestStoreFindByBrokerOrderID(t *testing.T) {
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	now := time.Now().UTC().Truncate(time.Millisecond)
	task := &domain.OrderTask{
		TaskID: "t3",
		Request: domain.OrderRequest{
			IdempotencyKey: "K3", AccountID: "A", InstrumentToken: 1,
			Side: domain.SideBuy, Quantity: decimal.NewFromInt(1),
			Product: "MIS", Variety: "regular", Validity: "DAY",
		},
		State:     domain.OrderPlaced,
		BrokerOrderID: "BRK-1",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Insert(task))

	got, ok, err := store.FindByBrokerOrderID("BRK-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t3", got.TaskID)

	_, ok, err = store.FindByBrokerOrderID("missing")
	require.NoError(t, err)
	require.False(t, ok)
}
