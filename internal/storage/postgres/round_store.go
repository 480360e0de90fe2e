package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/atlas-desktop/arena-backend/internal/storage"
	"github.com/atlas-desktop/arena-backend/pkg/types"
)

// RoundStore implements storage.RoundStore using PostgreSQL.
type RoundStore struct {
	pool *Pool
}

// NewRoundStore creates a new RoundStore.
func NewRoundStore(pool *Pool) *RoundStore {
	return &RoundStore{pool: pool}
}

// Compile-time interface check.
var _ storage.RoundStore = (*RoundStore)(nil)

// Create adds a new round. Returns ErrDuplicateKey if the id exists.
func (s *RoundStore) Create(ctx context.Context, r *types.Round) error {
	config, err := json.Marshal(r.Config)
	if err != nil {
		return fmt.Errorf("marshal round config: %w", err)
	}
	prices, err := marshalPoints(r.PriceData)
	if err != nil {
		return err
	}
	benchmark, err := marshalPoints(r.SpyReturns)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO rounds (
			id, name, status, market_seed, config, price_data, spy_returns,
			error_message, started_at, completed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.pool.Exec(ctx, query,
		r.ID,
		r.Name,
		string(r.Status),
		r.MarketSeed,
		config,
		prices,
		benchmark,
		r.ErrorMessage,
		r.StartedAt,
		r.CompletedAt,
		r.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

// Get retrieves a round by id. Returns ErrNotFound if not exists.
func (s *RoundStore) Get(ctx context.Context, id string) (*types.Round, error) {
	query := `
		SELECT r.id, r.name, r.status, r.market_seed, r.config, r.price_data, r.spy_returns,
		       r.error_message, r.started_at, r.completed_at, r.created_at,
		       (SELECT count(*) FROM agents a WHERE a.round_id = r.id)
		FROM rounds r
		WHERE r.id = $1
	`
	r, err := scanRound(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get round: %w", err)
	}
	return r, nil
}

// List returns rounds newest first.
func (s *RoundStore) List(ctx context.Context, f storage.RoundFilter) ([]types.RoundListItem, error) {
	var status *string
	if f.Status != nil {
		v := string(*f.Status)
		status = &v
	}

	query := `
		SELECT r.id, r.name, r.status, r.market_seed, r.created_at,
		       (SELECT count(*) FROM agents a WHERE a.round_id = r.id)
		FROM rounds r
		WHERE ($1::text IS NULL OR r.status = $1)
		ORDER BY r.created_at DESC, r.id ASC
		OFFSET $2
		LIMIT NULLIF($3::bigint, 0)
	`
	rows, err := s.pool.Query(ctx, query, status, f.Skip, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	items := []types.RoundListItem{}
	for rows.Next() {
		var (
			item   types.RoundListItem
			st     string
			agents int64
		)
		if err := rows.Scan(&item.ID, &item.Name, &st, &item.MarketSeed, &item.CreatedAt, &agents); err != nil {
			return nil, fmt.Errorf("scan round list item: %w", err)
		}
		item.Status = types.RoundStatus(st)
		item.AgentCount = int(agents)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rounds: %w", err)
	}
	return items, nil
}

// Transition applies t only if the round is still in t.From.
func (s *RoundStore) Transition(ctx context.Context, id string, t storage.RoundTransition) error {
	query := `
		UPDATE rounds
		SET status = $3,
		    started_at = COALESCE($4, started_at),
		    completed_at = COALESCE($5, completed_at),
		    error_message = COALESCE($6, error_message)
		WHERE id = $1 AND status = $2
	`
	tag, err := s.pool.Exec(ctx, query, id, string(t.From), string(t.To), t.StartedAt, t.CompletedAt, t.ErrorMessage)
	if err != nil {
		return fmt.Errorf("transition round: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conflictOrNotFound(ctx, s.pool, id)
	}
	return nil
}

// SetMarketData stores the generated series of a RUNNING round.
func (s *RoundStore) SetMarketData(ctx context.Context, id string, prices, benchmark []types.ChartDataPoint) error {
	p, err := marshalPoints(prices)
	if err != nil {
		return err
	}
	b, err := marshalPoints(benchmark)
	if err != nil {
		return err
	}

	query := `
		UPDATE rounds SET price_data = $2, spy_returns = $3
		WHERE id = $1 AND status = 'RUNNING'
	`
	tag, err := s.pool.Exec(ctx, query, id, p, b)
	if err != nil {
		return fmt.Errorf("set market data: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conflictOrNotFound(ctx, s.pool, id)
	}
	return nil
}

// Delete removes a round; agents and results cascade.
func (s *RoundStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rounds WHERE id = $1 AND status <> 'RUNNING'`, id)
	if err != nil {
		return fmt.Errorf("delete round: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conflictOrNotFound(ctx, s.pool, id)
	}
	return nil
}

func marshalPoints(points []types.ChartDataPoint) ([]byte, error) {
	if points == nil {
		points = []types.ChartDataPoint{}
	}
	data, err := json.Marshal(points)
	if err != nil {
		return nil, fmt.Errorf("marshal chart data: %w", err)
	}
	return data, nil
}

func scanRound(row pgx.Row) (*types.Round, error) {
	var (
		r                         types.Round
		status                    string
		config, prices, benchmark []byte
		agents                    int64
	)
	err := row.Scan(
		&r.ID,
		&r.Name,
		&status,
		&r.MarketSeed,
		&config,
		&prices,
		&benchmark,
		&r.ErrorMessage,
		&r.StartedAt,
		&r.CompletedAt,
		&r.CreatedAt,
		&agents,
	)
	if err != nil {
		return nil, err
	}
	r.Status = types.RoundStatus(status)
	r.AgentCount = int(agents)

	if err := json.Unmarshal(config, &r.Config); err != nil {
		return nil, fmt.Errorf("unmarshal round config: %w", err)
	}
	if err := json.Unmarshal(prices, &r.PriceData); err != nil {
		return nil, fmt.Errorf("unmarshal price data: %w", err)
	}
	if err := json.Unmarshal(benchmark, &r.SpyReturns); err != nil {
		return nil, fmt.Errorf("unmarshal benchmark data: %w", err)
	}
	return &r, nil
}
