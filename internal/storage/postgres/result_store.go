package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/atlas-desktop/arena-backend/internal/storage"
	"github.com/atlas-desktop/arena-backend/pkg/types"
)

// ResultStore implements storage.ResultStore using PostgreSQL.
type ResultStore struct {
	pool *Pool
}

// NewResultStore creates a new ResultStore.
func NewResultStore(pool *Pool) *ResultStore {
	return &ResultStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ResultStore = (*ResultStore)(nil)

const resultColumns = `
	res.id, res.agent_id, res.final_equity, res.total_return, res.sharpe_ratio,
	res.max_drawdown, res.calmar_ratio, res.total_trades, res.win_rate,
	res.survival_time, res.alpha, res.beta, res.equity_curve,
	res.cumulative_alpha, res.trades, res.created_at`

// Save inserts a result. Returns ErrDuplicateKey if the agent has one.
func (s *ResultStore) Save(ctx context.Context, r *types.AgentResult) error {
	curve, err := marshalPoints(r.EquityCurve)
	if err != nil {
		return err
	}
	alpha, err := marshalPoints(r.CumulativeAlpha)
	if err != nil {
		return err
	}
	trades := r.Trades
	if trades == nil {
		trades = []types.Trade{}
	}
	tradeData, err := json.Marshal(trades)
	if err != nil {
		return fmt.Errorf("marshal trades: %w", err)
	}

	query := `
		INSERT INTO agent_results (
			id, agent_id, final_equity, total_return, sharpe_ratio, max_drawdown,
			calmar_ratio, total_trades, win_rate, survival_time, alpha, beta,
			equity_curve, cumulative_alpha, trades, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = s.pool.Exec(ctx, query,
		r.ID,
		r.AgentID,
		r.FinalEquity,
		r.TotalReturn,
		r.SharpeRatio,
		r.MaxDrawdown,
		r.CalmarRatio,
		r.TotalTrades,
		r.WinRate,
		r.SurvivalTime,
		r.Alpha,
		r.Beta,
		curve,
		alpha,
		tradeData,
		r.CreatedAt,
	)
	if err != nil {
		switch {
		case isDuplicateKeyError(err):
			return storage.ErrDuplicateKey
		case isMissingParentError(err):
			return storage.ErrNotFound
		}
		return fmt.Errorf("insert agent result: %w", err)
	}
	return nil
}

// GetByAgent retrieves an agent's result. Returns ErrNotFound if not exists.
func (s *ResultStore) GetByAgent(ctx context.Context, agentID string) (*types.AgentResult, error) {
	query := `SELECT ` + resultColumns + ` FROM agent_results res WHERE res.agent_id = $1`
	r, err := scanResult(s.pool.QueryRow(ctx, query, agentID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get agent result: %w", err)
	}
	return r, nil
}

// ListByRound returns results keyed by agent id.
func (s *ResultStore) ListByRound(ctx context.Context, roundID string) (map[string]*types.AgentResult, error) {
	query := `
		SELECT ` + resultColumns + `
		FROM agent_results res
		JOIN agents a ON a.id = res.agent_id
		WHERE a.round_id = $1
	`
	rows, err := s.pool.Query(ctx, query, roundID)
	if err != nil {
		return nil, fmt.Errorf("list agent results: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*types.AgentResult)
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent result: %w", err)
		}
		out[r.AgentID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent results: %w", err)
	}
	return out, nil
}

// CountByRound returns how many agents of the round have a result.
func (s *ResultStore) CountByRound(ctx context.Context, roundID string) (int, error) {
	query := `
		SELECT count(*)
		FROM agent_results res
		JOIN agents a ON a.id = res.agent_id
		WHERE a.round_id = $1
	`
	var n int64
	if err := s.pool.QueryRow(ctx, query, roundID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count agent results: %w", err)
	}
	return int(n), nil
}

func scanResult(row pgx.Row) (*types.AgentResult, error) {
	var (
		r                    types.AgentResult
		curve, alpha, trades []byte
	)
	err := row.Scan(
		&r.ID,
		&r.AgentID,
		&r.FinalEquity,
		&r.TotalReturn,
		&r.SharpeRatio,
		&r.MaxDrawdown,
		&r.CalmarRatio,
		&r.TotalTrades,
		&r.WinRate,
		&r.SurvivalTime,
		&r.Alpha,
		&r.Beta,
		&curve,
		&alpha,
		&trades,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(curve, &r.EquityCurve); err != nil {
		return nil, fmt.Errorf("unmarshal equity curve: %w", err)
	}
	if err := json.Unmarshal(alpha, &r.CumulativeAlpha); err != nil {
		return nil, fmt.Errorf("unmarshal cumulative alpha: %w", err)
	}
	if err := json.Unmarshal(trades, &r.Trades); err != nil {
		return nil, fmt.Errorf("unmarshal trades: %w", err)
	}
	return &r, nil
}
