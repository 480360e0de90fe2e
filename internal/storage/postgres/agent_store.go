package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/atlas-desktop/arena-backend/internal/storage"
	"github.com/atlas-desktop/arena-backend/pkg/types"
)

// AgentStore implements storage.AgentStore using PostgreSQL.
type AgentStore struct {
	pool *Pool
}

// NewAgentStore creates a new AgentStore.
func NewAgentStore(pool *Pool) *AgentStore {
	return &AgentStore{pool: pool}
}

// Compile-time interface check.
var _ storage.AgentStore = (*AgentStore)(nil)

const agentColumns = `id, round_id, user_id, strategy_type, config, created_at`

// lockPending takes a share lock on the round row so a concurrent start
// cannot interleave with the agent write.
func lockPending(ctx context.Context, tx pgx.Tx, roundID string) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM rounds WHERE id = $1 FOR SHARE`, roundID).Scan(&status)
	if err != nil {
		if isNotFoundError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("lock round: %w", err)
	}
	if types.RoundStatus(status) != types.RoundStatusPending {
		return storage.ErrConflict
	}
	return nil
}

// Upsert creates or replaces the (round, user) agent while the round is PENDING.
func (s *AgentStore) Upsert(ctx context.Context, a *types.Agent) (*types.Agent, error) {
	config, err := json.Marshal(a.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal agent config: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin upsert agent: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockPending(ctx, tx, a.RoundID); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO agents (` + agentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (round_id, user_id) DO UPDATE
		SET strategy_type = EXCLUDED.strategy_type, config = EXCLUDED.config
		RETURNING ` + agentColumns
	stored, err := scanAgent(tx.QueryRow(ctx, query,
		a.ID, a.RoundID, a.UserID, string(a.StrategyType), config, a.CreatedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("upsert agent: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit upsert agent: %w", err)
	}
	return stored, nil
}

// Insert adds an agent regardless of round status.
func (s *AgentStore) Insert(ctx context.Context, a *types.Agent) error {
	config, err := json.Marshal(a.Config)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}

	query := `INSERT INTO agents (` + agentColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = s.pool.Exec(ctx, query, a.ID, a.RoundID, a.UserID, string(a.StrategyType), config, a.CreatedAt)
	if err != nil {
		switch {
		case isDuplicateKeyError(err):
			return storage.ErrDuplicateKey
		case isMissingParentError(err):
			return storage.ErrNotFound
		}
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// Get retrieves an agent by id. Returns ErrNotFound if not exists.
func (s *AgentStore) Get(ctx context.Context, id string) (*types.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	a, err := scanAgent(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// GetByUser retrieves the user's agent in a round.
func (s *AgentStore) GetByUser(ctx context.Context, roundID, userID string) (*types.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE round_id = $1 AND user_id = $2`
	a, err := scanAgent(s.pool.QueryRow(ctx, query, roundID, userID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get agent by user: %w", err)
	}
	return a, nil
}

// ListByRound returns the round's agents ordered by created_at, then id.
func (s *AgentStore) ListByRound(ctx context.Context, roundID string) ([]types.Agent, error) {
	query := `
		SELECT ` + agentColumns + `
		FROM agents
		WHERE round_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.pool.Query(ctx, query, roundID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []types.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return out, nil
}

// DeleteByUser removes the user's agent while the round is PENDING.
func (s *AgentStore) DeleteByUser(ctx context.Context, roundID, userID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete agent: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockPending(ctx, tx, roundID); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM agents WHERE round_id = $1 AND user_id = $2`, roundID, userID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete agent: %w", err)
	}
	return nil
}

func scanAgent(row pgx.Row) (*types.Agent, error) {
	var (
		a        types.Agent
		strategy string
		config   []byte
	)
	if err := row.Scan(&a.ID, &a.RoundID, &a.UserID, &strategy, &config, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.StrategyType = types.StrategyType(strategy)
	if err := json.Unmarshal(config, &a.Config); err != nil {
		return nil, fmt.Errorf("unmarshal agent config: %w", err)
	}
	return &a, nil
}
