package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tpsl_keeper/pkg/logger"
)

type PoolConfig struct {
	DSN      string
	MaxConns int32
}

type PgTxManager struct {
	poolMaster *pgxpool.Pool
}

func NewPgTxManager(poolMaster *pgxpool.Pool) *PgTxManager {
	return &PgTxManager{
		poolMaster: poolMaster,
	}
}

func (m *PgTxManager) Close() {
	m.poolMaster.Close()
}

func NewPool(ctx context.Context, conf PoolConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(conf.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if conf.MaxConns > 0 {
		pc.MaxConns = conf.MaxConns
	}
	return pgxpool.NewWithConfig(ctx, pc)
}

// RunMaster выполняет fn в read committed транзакции.
func (m *PgTxManager) RunMaster(ctx context.Context, fn func(ctxTx context.Context, tx Transaction) error) error {
	options := pgx.TxOptions{
		IsoLevel: pgx.ReadCommitted,
	}
	return m.inTx(ctx, m.poolMaster, options, fn)
}

func (m *PgTxManager) Conn() Transaction {
	return m.poolMaster
}

func (m *PgTxManager) inTx(
	ctx context.Context,
	pool *pgxpool.Pool,
	options pgx.TxOptions,
	f func(ctxTx context.Context, tx Transaction) error,
) (err error) {
	tx, err := pool.BeginTx(ctx, options)
	if err != nil {
		return fmt.Errorf("failed to begin tx, err: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error("[DB] panic in tx: %v", p)
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else if cerr := tx.Commit(ctx); cerr != nil {
			err = fmt.Errorf("failed to commit tx, err: %w", cerr)
		}
	}()

	if err = f(ctx, tx); err != nil {
		return fmt.Errorf("failed to run fn, err: %w", err)
	}
	return nil
}
