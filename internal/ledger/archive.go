package ledger

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perpx/perp-engine/internal/model"
)

// Archiver receives terminal order records and position settlements for
// durable history. Archival is best-effort and off the execution path;
// the in-memory ledger stays authoritative.
type Archiver interface {
	ArchiveOrder(ctx context.Context, o *model.Order) error
	ArchivePosition(ctx context.Context, p *model.Position) error
}

// PostgresArchive implements Archiver on PostgreSQL. All monetary values
// are stored as NUMERIC for exact decimal precision.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

// NewPostgresArchive creates a PostgreSQL-backed archive.
func NewPostgresArchive(pool *pgxpool.Pool) *PostgresArchive {
	return &PostgresArchive{pool: pool}
}

func (a *PostgresArchive) ArchiveOrder(ctx context.Context, o *model.Order) error {
	_, err := a.pool.Exec(ctx,
		`INSERT INTO order_history
		   (id, owner, market, kind, direction, margin, leverage, position_id, amount,
		    min_price, max_price, trigger_direction, trigger_price,
		    taker_fee, fee_to_inviter, fee_to_exchange, fee_to_maker, fee_to_discount, execute_fee,
		    rlz_pnl, interest_payment, funding_payment, exec_price,
		    status, status_note, created_at, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC,
		         $10::NUMERIC, $11::NUMERIC, $12, $13::NUMERIC,
		         $14::NUMERIC, $15::NUMERIC, $16::NUMERIC, $17::NUMERIC, $18::NUMERIC, $19::NUMERIC,
		         $20::NUMERIC, $21::NUMERIC, $22::NUMERIC, $23::NUMERIC,
		         $24, $25, $26, $27)
		 ON CONFLICT (id) DO NOTHING`,
		o.ID, o.Owner, o.Market, int(o.Kind), int(o.Direction),
		o.Margin.String(), o.Leverage.String(), o.PositionID, o.Amount.String(),
		o.MinPrice.String(), o.MaxPrice.String(), int(o.TriggerDirection), o.TriggerPrice.String(),
		o.TakerFee.String(), o.FeeToInviter.String(), o.FeeToExchange.String(),
		o.FeeToMaker.String(), o.FeeToDiscount.String(), o.ExecuteFee.String(),
		o.RlzPnl.String(), o.InterestPayment.String(), o.FundingPayment.String(), o.ExecPrice.String(),
		int(o.Status), o.StatusNote, o.CreatedAt, o.ExecutedAt,
	)
	return err
}

func (a *PostgresArchive) ArchivePosition(ctx context.Context, p *model.Position) error {
	_, err := a.pool.Exec(ctx,
		`INSERT INTO position_history
		   (id, owner, market, mode, direction, amount, value,
		    taker_margin, maker_margin, funding_payment, debt_share, last_borrow_ig,
		    last_funding_index, pnl, take_profit_price, stop_loss_price,
		    status, last_update_ts)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
		         $13::NUMERIC, $14::NUMERIC, $15::NUMERIC, $16::NUMERIC,
		         $17, $18)
		 ON CONFLICT (id) DO UPDATE SET
		   amount = EXCLUDED.amount, value = EXCLUDED.value,
		   taker_margin = EXCLUDED.taker_margin, maker_margin = EXCLUDED.maker_margin,
		   funding_payment = EXCLUDED.funding_payment, debt_share = EXCLUDED.debt_share,
		   last_borrow_ig = EXCLUDED.last_borrow_ig, last_funding_index = EXCLUDED.last_funding_index,
		   pnl = EXCLUDED.pnl, take_profit_price = EXCLUDED.take_profit_price,
		   stop_loss_price = EXCLUDED.stop_loss_price,
		   status = EXCLUDED.status, last_update_ts = EXCLUDED.last_update_ts`,
		p.ID, p.Owner, p.Market, int(p.Mode), int(p.Direction),
		p.Amount.String(), p.Value.String(),
		p.TakerMargin.String(), p.MakerMargin.String(), p.FundingPayment.String(),
		p.DebtShare.String(), p.LastBorrowIG.String(),
		p.LastFundingIndex.String(), p.Pnl.String(),
		p.TakeProfitPrice.String(), p.StopLossPrice.String(),
		int(p.Status), p.LastUpdateTs,
	)
	return err
}

// NopArchive discards everything; used in tests and single-node setups
// without a database.
type NopArchive struct{}

func (NopArchive) ArchiveOrder(context.Context, *model.Order) error       { return nil }
func (NopArchive) ArchivePosition(context.Context, *model.Position) error { return nil }
