package agents

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	codePrefix       = "rc_"
	codeSecretLength = 32
)

var (
	ErrCodeNotFound    = errors.New("registration code not found")
	ErrCodeExpired     = errors.New("registration code has expired")
	ErrCodeAlreadyUsed = errors.New("registration code has already been used")
	ErrCodeInvalid     = errors.New("registration code invalid")
)

// CreateRegistrationCode mints a one-time enrollment code bound to an agent.
// The plaintext is returned exactly once; only a bcrypt hash of the secret
// half is stored. Codes have the form rc_<code-id>.<secret> so the record can
// be looked up by ID before comparing the hash.
func (s *Service) CreateRegistrationCode(ctx context.Context, agentID string, ttl time.Duration) (string, *RegistrationCode, error) {
	if _, err := uuid.Parse(agentID); err != nil {
		return "", nil, ErrInvalidAgentID
	}

	secretBytes := make([]byte, codeSecretLength)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, fmt.Errorf("failed to generate random secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("failed to hash registration code: %w", err)
	}

	id := uuid.New().String()
	expiresAt := time.Now().UTC().Add(ttl)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO registration_codes (id, agent_id, code_hash, expires_at, used)
		VALUES ($1, $2, $3, $4, FALSE)`,
		id, agentID, string(hash), expiresAt)
	if err != nil {
		return "", nil, fmt.Errorf("failed to store registration code: %w", err)
	}

	code := &RegistrationCode{
		ID:        id,
		AgentID:   agentID,
		CodeHash:  string(hash),
		ExpiresAt: expiresAt,
		Used:      false,
	}

	slog.Info("Registration code created", "agent_id", agentID, "code_id", id, "expires_at", expiresAt)
	return codePrefix + id + "." + secret, code, nil
}

// ConsumeRegistrationCode validates a presented code and marks it used. The
// used flag is flipped with a guarded UPDATE so a code can only ever be
// consumed once, even under concurrent presentation.
func (s *Service) ConsumeRegistrationCode(ctx context.Context, presented string) (*RegistrationCode, error) {
	id, secret, err := splitCode(presented)
	if err != nil {
		return nil, err
	}

	var rc RegistrationCode
	row := s.pool.QueryRow(ctx, `
		SELECT id, agent_id, code_hash, expires_at, used
		FROM registration_codes WHERE id = $1`, id)
	if err := row.Scan(&rc.ID, &rc.AgentID, &rc.CodeHash, &rc.ExpiresAt, &rc.Used); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to query registration code: %w", err)
	}

	if rc.Used {
		return nil, ErrCodeAlreadyUsed
	}
	if time.Now().After(rc.ExpiresAt) {
		return nil, ErrCodeExpired
	}
	if bcrypt.CompareHashAndPassword([]byte(rc.CodeHash), []byte(secret)) != nil {
		return nil, ErrCodeInvalid
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE registration_codes SET used = TRUE WHERE id = $1 AND used = FALSE`, rc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark registration code used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrCodeAlreadyUsed
	}

	rc.Used = true
	return &rc, nil
}

func splitCode(presented string) (id, secret string, err error) {
	if !strings.HasPrefix(presented, codePrefix) {
		return "", "", ErrCodeInvalid
	}
	rest := strings.TrimPrefix(presented, codePrefix)
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrCodeInvalid
	}
	if _, err := uuid.Parse(parts[0]); err != nil {
		return "", "", ErrCodeInvalid
	}
	return parts[0], parts[1], nil
}
