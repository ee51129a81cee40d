// Package projection mirrors the view into Postgres for ad-hoc SQL
// reporting. The mirror is eventually consistent: it is never read back by
// the service, and whenever it may have diverged it is rebuilt from a full
// view snapshot.
package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"DexSync/internal/event"
	"DexSync/internal/observability"
	"DexSync/internal/view"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Snapshotter yields a consistent copy of the view.
type Snapshotter interface {
	Snapshot() view.Snapshot
}

// Worker applies view changes to the projection tables.
type Worker struct {
	db      *sql.DB
	src     Snapshotter
	sub     *view.Subscription
	log     zerolog.Logger
	metrics *observability.Metrics

	lastSeq  uint64
	reported uint64 // sub.Dropped() already handled
	stale    bool   // a write failed; rebuild on the next change
}

func NewWorker(db *sql.DB, src Snapshotter, sub *view.Subscription, logger zerolog.Logger, metrics *observability.Metrics) *Worker {
	return &Worker{db: db, src: src, sub: sub, log: logger, metrics: metrics}
}

// LastSeq is the fold sequence the tables reflect.
func (w *Worker) LastSeq() uint64 {
	return w.lastSeq
}

// Run rebuilds the tables once, then follows the subscription until it
// closes or ctx ends. Write failures are logged and repaired by a rebuild;
// they never stop the worker.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Rebuild(ctx); err != nil {
		w.log.Warn().Err(err).Msg("initial projection rebuild failed")
		w.stale = true
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case change, ok := <-w.sub.C:
			if !ok {
				return nil
			}
			w.handle(ctx, change)
		}
	}
}

func (w *Worker) handle(ctx context.Context, change view.Change) {
	if d := w.sub.Dropped(); d > w.reported {
		if w.metrics != nil {
			w.metrics.ProjectionDrops.Add(float64(d - w.reported))
		}
		w.log.Warn().Uint64("missed", d-w.reported).Msg("projection missed view changes, rebuilding")
		w.reported = d
		w.stale = true
	}

	if w.stale {
		if err := w.Rebuild(ctx); err != nil {
			w.log.Warn().Err(err).Msg("projection rebuild failed")
			return
		}
	}

	// The snapshot taken by a rebuild may already include this change.
	if change.Seq <= w.lastSeq || len(change.Applied) == 0 {
		return
	}

	start := time.Now()
	if err := w.apply(ctx, change); err != nil {
		if w.metrics != nil {
			w.metrics.ProjectionErrors.WithLabelValues("apply").Inc()
		}
		w.log.Warn().Err(err).Uint64("seq", change.Seq).Msg("projection update failed")
		w.stale = true
		return
	}
	if w.metrics != nil {
		w.metrics.ProjectionDur.WithLabelValues("apply").Observe(time.Since(start).Seconds())
	}
	w.lastSeq = change.Seq
}

func (w *Worker) apply(ctx context.Context, change view.Change) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, evt := range change.Applied {
		if err := applyEvent(ctx, tx, evt); err != nil {
			return fmt.Errorf("%s %s: %w", evt.EventType(), evt.IdempotencyKey(), err)
		}
	}
	if err := writeWatermark(ctx, tx, change.Seq); err != nil {
		return err
	}
	return tx.Commit()
}

func applyEvent(ctx context.Context, tx *sql.Tx, evt event.Event) error {
	switch e := evt.(type) {
	case event.CustodyChange:
		token, account := e.Holder()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projection.custody_balances (token, account, balance, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (token, account)
			DO UPDATE SET balance = projection.custody_balances.balance + EXCLUDED.balance,
			              updated_at = NOW()
		`, token.Hex(), account.Hex(), e.SignedAmount())
		return err

	case *event.Make:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projection.orders
				(order_id, maker, token_give, amount_give, token_get, amount_get, created_at, created_tx, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'open')
			ON CONFLICT (order_id) DO NOTHING
		`, int64(e.ID), e.Maker.Hex(), e.TokenGive.Hex(), e.AmountGive, e.TokenGet.Hex(), e.AmountGet,
			e.Timestamp, e.TxHash.Hex())
		return err

	case *event.Cancel:
		return resolveOrder(ctx, tx, e.ID, view.StatusCancelled, e.Timestamp, e.TxHash.Hex())

	case *event.Trade:
		if err := resolveOrder(ctx, tx, e.ID, view.StatusFilled, e.Timestamp, e.TxHash.Hex()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projection.trades
				(order_id, maker, filler, token_give, amount_give, token_get, amount_get, settled_at, trade_tx)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (order_id) DO NOTHING
		`, int64(e.ID), e.Maker.Hex(), e.Filler.Hex(), e.TokenGive.Hex(), e.AmountGive, e.TokenGet.Hex(), e.AmountGet,
			e.Timestamp, e.TxHash.Hex())
		return err
	}
	return nil
}

// resolveOrder only moves an open order; a resolved row keeps its first
// resolution.
func resolveOrder(ctx context.Context, tx *sql.Tx, id event.OrderID, status view.Status, at time.Time, txHash string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projection.orders
		SET status = $2, resolved_at = $3, resolved_tx = $4
		WHERE order_id = $1 AND status = 'open'
	`, int64(id), status.String(), at, txHash)
	return err
}

func writeWatermark(ctx context.Context, tx *sql.Tx, seq uint64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projection.watermark (id, fold_seq, updated_at)
		VALUES (TRUE, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET fold_seq = EXCLUDED.fold_seq, updated_at = NOW()
	`, int64(seq)); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// Rebuild replaces the contents of every projection table with a fresh
// view snapshot in one transaction.
func (w *Worker) Rebuild(ctx context.Context) error {
	start := time.Now()
	snap := w.src.Snapshot()

	err := w.rebuild(ctx, snap)
	if err != nil {
		if w.metrics != nil {
			w.metrics.ProjectionErrors.WithLabelValues("rebuild").Inc()
		}
		return err
	}

	w.lastSeq = snap.Seq
	w.stale = false
	if w.metrics != nil {
		w.metrics.ProjectionRebuild.Inc()
		w.metrics.ProjectionDur.WithLabelValues("rebuild").Observe(time.Since(start).Seconds())
	}
	w.log.Info().
		Uint64("seq", snap.Seq).
		Int("open", len(snap.Open)).
		Int("cancelled", len(snap.Cancelled)).
		Int("trades", len(snap.Trades)).
		Dur("took", time.Since(start)).
		Msg("projection rebuilt")
	return nil
}

func (w *Worker) rebuild(ctx context.Context, snap view.Snapshot) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`TRUNCATE projection.trades, projection.orders, projection.custody_balances`,
	); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}

	if err := copyOrders(ctx, tx, snap); err != nil {
		return fmt.Errorf("copy orders: %w", err)
	}
	if err := copyTrades(ctx, tx, snap.Trades); err != nil {
		return fmt.Errorf("copy trades: %w", err)
	}
	if err := copyCustody(ctx, tx, snap); err != nil {
		return fmt.Errorf("copy custody: %w", err)
	}
	if err := writeWatermark(ctx, tx, snap.Seq); err != nil {
		return err
	}
	return tx.Commit()
}

// copyRows streams rows into table with COPY FROM STDIN.
func copyRows(ctx context.Context, tx *sql.Tx, table string, columns []string, rows func(put func(...any) error) error) error {
	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema("projection", table, columns...))
	if err != nil {
		return err
	}
	defer stmt.Close()

	put := func(values ...any) error {
		_, err := stmt.ExecContext(ctx, values...)
		return err
	}
	if err := rows(put); err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx)
	return err
}

var orderColumns = []string{
	"order_id", "maker", "token_give", "amount_give", "token_get", "amount_get",
	"created_at", "created_tx", "status", "resolved_at", "resolved_tx",
}

func copyOrders(ctx context.Context, tx *sql.Tx, snap view.Snapshot) error {
	settled := make(map[event.OrderID]view.Trade, len(snap.Trades))
	for _, t := range snap.Trades {
		settled[t.OrderID] = t
	}

	return copyRows(ctx, tx, "orders", orderColumns, func(put func(...any) error) error {
		row := func(o view.Order, status view.Status, at any, resolvedTx any) error {
			return put(int64(o.ID), o.Maker.Hex(), o.TokenGive.Hex(), o.AmountGive.String(), o.TokenGet.Hex(),
				o.AmountGet.String(), o.Timestamp, o.CreatedTx.Hex(), status.String(), at, resolvedTx)
		}
		for _, o := range snap.Open {
			if err := row(o, view.StatusOpen, nil, nil); err != nil {
				return err
			}
		}
		for _, c := range snap.Cancelled {
			if err := row(c.Order, view.StatusCancelled, c.CancelledAt, c.CancelTx.Hex()); err != nil {
				return err
			}
		}
		for _, o := range snap.Filled {
			t := settled[o.ID]
			if err := row(o, view.StatusFilled, t.SettledAt, t.TradeTx.Hex()); err != nil {
				return err
			}
		}
		return nil
	})
}

func copyTrades(ctx context.Context, tx *sql.Tx, trades []view.Trade) error {
	cols := []string{"order_id", "maker", "filler", "token_give", "amount_give", "token_get", "amount_get", "settled_at", "trade_tx"}
	return copyRows(ctx, tx, "trades", cols, func(put func(...any) error) error {
		for _, t := range trades {
			if err := put(int64(t.OrderID), t.Maker.Hex(), t.Filler.Hex(), t.TokenGive.Hex(), t.AmountGive.String(),
				t.TokenGet.Hex(), t.AmountGet.String(), t.SettledAt, t.TradeTx.Hex()); err != nil {
				return err
			}
		}
		return nil
	})
}

func copyCustody(ctx context.Context, tx *sql.Tx, snap view.Snapshot) error {
	return copyRows(ctx, tx, "custody_balances", []string{"token", "account", "balance"}, func(put func(...any) error) error {
		for k, bal := range snap.Custody {
			if err := put(k.Token.Hex(), k.Account.Hex(), bal.String()); err != nil {
				return err
			}
		}
		return nil
	})
}
