package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"

	"tpsl_keeper/internal/models"
	"tpsl_keeper/pkg/db"
	"tpsl_keeper/pkg/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS keeper_events (
	id           BIGSERIAL PRIMARY KEY,
	kind         TEXT        NOT NULL,
	position_key TEXT        NOT NULL,
	level        INT         NOT NULL DEFAULT 0,
	delta        NUMERIC     NOT NULL DEFAULT 0,
	size         NUMERIC     NOT NULL DEFAULT 0,
	reason       TEXT        NOT NULL DEFAULT '',
	payload      JSONB       NOT NULL,
	at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS keeper_events_key_at ON keeper_events (position_key, at DESC);`

const insertEvent = `
INSERT INTO keeper_events (kind, position_key, level, delta, size, reason, payload, at)
VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7::jsonb, $8)`

const selectRecent = `
SELECT kind, position_key, level, delta::text, size::text, reason, at
FROM keeper_events
ORDER BY at DESC, id DESC
LIMIT $1`

const maxBatch = 64

// Journal пишет события в keeper_events. Publish не блокирует цикл
// монитора: события уходят в очередь, Run пишет их пачками.
type Journal struct {
	tx    db.TxManager
	queue chan models.Event
}

func New(tx db.TxManager, buffer int) *Journal {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Journal{tx: tx, queue: make(chan models.Event, buffer)}
}

func (j *Journal) Migrate(ctx context.Context) error {
	return j.tx.RunMaster(ctx, func(ctx context.Context, tx db.Transaction) error {
		_, err := tx.Exec(ctx, schema)
		return err
	})
}

func (j *Journal) Publish(_ context.Context, ev models.Event) {
	select {
	case j.queue <- ev:
	default:
		logger.Warn("[JOURNAL] queue full, dropping %s %s", ev.Kind, ev.Key)
	}
}

// Run пишет очередь, пока жив ctx; остаток дописывает с коротким таймаутом.
func (j *Journal) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			j.flush(flushCtx, j.drain(nil))
			cancel()
			return
		case ev := <-j.queue:
			j.flush(ctx, j.drain([]models.Event{ev}))
		}
	}
}

func (j *Journal) drain(batch []models.Event) []models.Event {
	for len(batch) < maxBatch {
		select {
		case ev := <-j.queue:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (j *Journal) flush(ctx context.Context, batch []models.Event) {
	if len(batch) == 0 {
		return
	}
	if err := j.write(ctx, batch); err != nil {
		logger.Error("[JOURNAL] write %d events: %v", len(batch), err)
	}
}

func (j *Journal) write(ctx context.Context, batch []models.Event) error {
	return j.tx.RunMaster(ctx, func(ctx context.Context, tx db.Transaction) error {
		for _, ev := range batch {
			payload, err := sonic.MarshalString(ev)
			if err != nil {
				return fmt.Errorf("marshal %s: %w", ev.Kind, err)
			}
			if _, err := tx.Exec(ctx, insertEvent,
				string(ev.Kind), ev.Key.String(), ev.Level,
				ev.Delta.String(), ev.Size.String(), ev.Reason, payload, ev.At,
			); err != nil {
				return fmt.Errorf("insert %s %s: %w", ev.Kind, ev.Key, err)
			}
		}
		return nil
	})
}

// Recent — последние limit событий, новые первыми.
func (j *Journal) Recent(ctx context.Context, limit int) ([]models.Event, error) {
	var out []models.Event
	err := j.tx.RunMaster(ctx, func(ctx context.Context, tx db.Transaction) error {
		rows, err := tx.Query(ctx, selectRecent, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				ev          models.Event
				kind, key   string
				delta, size string
			)
			if err := rows.Scan(&kind, &key, &ev.Level, &delta, &size, &ev.Reason, &ev.At); err != nil {
				return err
			}
			ev.Kind = models.EventKind(kind)
			if ev.Key, err = models.ParsePositionKey(key); err != nil {
				return err
			}
			ev.Delta, _ = decimal.NewFromString(delta)
			ev.Size, _ = decimal.NewFromString(size)
			out = append(out, ev)
		}
		return rows.Err()
	})
	return out, err
}
