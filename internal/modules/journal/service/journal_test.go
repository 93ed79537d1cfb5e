package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tpsl_keeper/internal/models"
	"tpsl_keeper/pkg/db"
)

type mockTx struct {
	mock.Mock
}

func (m *mockTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(append([]any{sql}, arguments...)...)
	return pgconn.NewCommandTag("INSERT 0 1"), args.Error(0)
}

func (m *mockTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not used")
}

func (m *mockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

// inlineTx выполняет fn сразу на моке, без настоящей транзакции.
type inlineTx struct {
	tx    *mockTx
	calls int
}

func (m *inlineTx) RunMaster(ctx context.Context, fn func(ctxTx context.Context, tx db.Transaction) error) error {
	m.calls++
	return fn(ctx, m.tx)
}

var ethKey = models.PositionKey{Symbol: "ETH-USDT-SWAP", Side: models.SideLong, Account: models.AccountPrimary}

func TestJournal_Migrate(t *testing.T) {
	tx := &mockTx{}
	tx.On("Exec", schema).Return(nil).Once()

	require.NoError(t, New(&inlineTx{tx: tx}, 4).Migrate(context.Background()))
	tx.AssertExpectations(t)
}

func TestJournal_WritesQueuedEventsInOneTx(t *testing.T) {
	tx := &mockTx{}
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	tx.On("Exec", insertEvent,
		"take_profit_filled", "ETH-USDT-SWAP:long:primary", 1, "850", "150", "", mock.AnythingOfType("string"), at,
	).Return(nil).Once()
	tx.On("Exec", insertEvent,
		"position_closed", "ETH-USDT-SWAP:long:primary", 0, "0", "0", "", mock.AnythingOfType("string"), at,
	).Return(nil).Once()

	mgr := &inlineTx{tx: tx}
	j := New(mgr, 4)
	j.Publish(context.Background(), models.Event{
		Kind: models.EventTakeProfitFilled, Key: ethKey, Level: 1,
		Delta: decimal.NewFromInt(850), Size: decimal.NewFromInt(150), At: at,
	})
	j.Publish(context.Background(), models.Event{Kind: models.EventPositionClosed, Key: ethKey, At: at})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	j.Run(ctx)

	tx.AssertExpectations(t)
	assert.Equal(t, 1, mgr.calls)
}

func TestJournal_DropsWhenQueueFull(t *testing.T) {
	tx := &mockTx{}
	tx.On("Exec", insertArgs()...).Return(nil).Once()

	j := New(&inlineTx{tx: tx}, 1)
	j.Publish(context.Background(), models.Event{Kind: models.EventEntryFilled, Key: ethKey})
	j.Publish(context.Background(), models.Event{Kind: models.EventEntryFilled, Key: ethKey})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	j.Run(ctx)

	tx.AssertNumberOfCalls(t, "Exec", 1)
}

func TestJournal_WriteErrorIsReported(t *testing.T) {
	tx := &mockTx{}
	tx.On("Exec", insertArgs()...).Return(errors.New("connection reset"))

	j := New(&inlineTx{tx: tx}, 2)
	err := j.write(context.Background(), []models.Event{{Kind: models.EventAnomalousFill, Key: ethKey}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

// insertArgs — insertEvent и восемь любых параметров.
func insertArgs() []any {
	args := []any{insertEvent}
	for i := 0; i < 8; i++ {
		args = append(args, mock.Anything)
	}
	return args
}
