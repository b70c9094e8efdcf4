package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrInvalidAgentID = errors.New("invalid agent ID")
)

type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{
		pool: pool,
	}
}

const agentColumns = `id, server_id, token_hash, pending_token_hash, status,
	last_seen, registered_at, token_issued_at, token_expires_at, version`

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(
		&a.ID,
		&a.ServerID,
		&a.TokenHash,
		&a.PendingTokenHash,
		&a.Status,
		&a.LastSeen,
		&a.RegisteredAt,
		&a.TokenIssuedAt,
		&a.TokenExpiresAt,
		&a.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	return &a, nil
}

// CreateAgent inserts a new agent record in PENDING status. The record
// carries no token until enrollment issues one.
func (s *Service) CreateAgent(ctx context.Context, serverID string) (*Agent, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO agents (id, server_id, token_hash, status, last_seen,
			registered_at, token_issued_at, token_expires_at, version)
		VALUES ($1, $2, '', $3, $4, $4, $4, $4, '')
		RETURNING `+agentColumns,
		id, serverID, StatusPending, now)

	agent, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	return agent, nil
}

// GetAgentByID retrieves an agent by ID.
func (s *Service) GetAgentByID(ctx context.Context, agentID string) (*Agent, error) {
	if _, err := uuid.Parse(agentID); err != nil {
		return nil, ErrInvalidAgentID
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, agentID)
	return scanAgent(row)
}

// GetAgentByTokenHash retrieves an agent by its current token hash.
func (s *Service) GetAgentByTokenHash(ctx context.Context, hash string) (*Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE token_hash = $1 AND token_hash <> ''`, hash)
	return scanAgent(row)
}

// GetAgentByPendingTokenHash retrieves an agent by the hash of a token whose
// rotation is still in flight.
func (s *Service) GetAgentByPendingTokenHash(ctx context.Context, hash string) (*Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE pending_token_hash = $1`, hash)
	return scanAgent(row)
}

// ListAgents returns all agent records.
func (s *Service) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY registered_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var result []Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return result, nil
}

// GetAgentsWithExpiringTokens returns agents whose token has expired and for
// which no rotation is already in flight.
func (s *Service) GetAgentsWithExpiringTokens(ctx context.Context, now time.Time) ([]Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE token_hash <> ''
		  AND pending_token_hash IS NULL
		  AND token_expires_at <= $1`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring tokens: %w", err)
	}
	defer rows.Close()

	var result []Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query expiring tokens: %w", err)
	}
	return result, nil
}

// UpdateAgent applies a partial update to a persisted agent record.
func (s *Service) UpdateAgent(ctx context.Context, agentID string, update AgentUpdate) error {
	if _, err := uuid.Parse(agentID); err != nil {
		return ErrInvalidAgentID
	}

	set := make([]string, 0, 8)
	args := make([]any, 0, 9)
	args = append(args, agentID)

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.ServerID != nil {
		add("server_id", *update.ServerID)
	}
	if update.LastSeen != nil {
		add("last_seen", update.LastSeen.UTC())
	}
	if update.TokenHash != nil {
		add("token_hash", *update.TokenHash)
	}
	if update.ClearPendingTokenHash {
		set = append(set, "pending_token_hash = NULL")
	} else if update.PendingTokenHash != nil {
		add("pending_token_hash", *update.PendingTokenHash)
	}
	if update.TokenIssuedAt != nil {
		add("token_issued_at", update.TokenIssuedAt.UTC())
	}
	if update.TokenExpiresAt != nil {
		add("token_expires_at", update.TokenExpiresAt.UTC())
	}
	if update.Version != nil {
		add("version", *update.Version)
	}

	if len(set) == 0 {
		return nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET `+strings.Join(set, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}
