package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/specgate/specgate/internal/domain"
	"github.com/specgate/specgate/internal/domain/apikey"
	"github.com/specgate/specgate/internal/domain/audit"
	"github.com/specgate/specgate/internal/domain/gate"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Evaluations ---

const evaluationColumns = `id, stage, outcome, rounds, request, consensus, alignment, failures,
	calls_used, cache_hits, reasons, thresholds, created_at, updated_at`

// CreateEvaluation persists a new gate evaluation decision record.
func (s *Store) CreateEvaluation(ctx context.Context, e *gate.Evaluation) error {
	m, err := marshalEvaluation(e)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO gate_evaluations
		 (id, stage, outcome, rounds, request, consensus, alignment, failures, calls_used, cache_hits, reasons, thresholds)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.Stage, e.Outcome, e.Rounds, m.request, m.consensus, m.alignment, m.failures,
		e.CallsUsed, e.CacheHits, m.reasons, m.thresholds)
	if err != nil {
		return fmt.Errorf("create evaluation: %w", err)
	}
	return nil
}

// UpdateEvaluation rewrites an evaluation's mutable columns after a round or
// an escalation resolution.
func (s *Store) UpdateEvaluation(ctx context.Context, e *gate.Evaluation) error {
	m, err := marshalEvaluation(e)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE gate_evaluations
		 SET outcome = $2, rounds = $3, request = $4, consensus = $5, alignment = $6, failures = $7,
		     calls_used = $8, cache_hits = $9, reasons = $10, thresholds = $11, updated_at = now()
		 WHERE id = $1`,
		e.ID, e.Outcome, e.Rounds, m.request, m.consensus, m.alignment, m.failures,
		e.CallsUsed, e.CacheHits, m.reasons, m.thresholds)
	if err != nil {
		return fmt.Errorf("update evaluation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update evaluation %s: %w", e.ID, domain.ErrNotFound)
	}
	return nil
}

// GetEvaluation fetches one evaluation by id.
func (s *Store) GetEvaluation(ctx context.Context, id string) (*gate.Evaluation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+evaluationColumns+` FROM gate_evaluations WHERE id = $1`, id)

	e, err := scanEvaluation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get evaluation %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get evaluation %s: %w", id, err)
	}
	return e, nil
}

// ListEvaluations returns recent evaluations, optionally filtered by stage.
func (s *Store) ListEvaluations(ctx context.Context, stage audit.Stage, limit int) ([]gate.Evaluation, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	if stage == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+evaluationColumns+` FROM gate_evaluations ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+evaluationColumns+` FROM gate_evaluations WHERE stage = $1 ORDER BY created_at DESC LIMIT $2`,
			stage, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	var evals []gate.Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		evals = append(evals, *e)
	}
	return evals, rows.Err()
}

type evaluationJSON struct {
	request    []byte
	consensus  []byte
	alignment  []byte
	failures   []byte
	reasons    []byte
	thresholds []byte
}

func marshalEvaluation(e *gate.Evaluation) (m evaluationJSON, err error) {
	if e.Request != nil {
		if m.request, err = json.Marshal(e.Request); err != nil {
			return m, fmt.Errorf("marshal request: %w", err)
		}
	}
	if e.Consensus != nil {
		if m.consensus, err = json.Marshal(e.Consensus); err != nil {
			return m, fmt.Errorf("marshal consensus: %w", err)
		}
	}
	if e.Alignment != nil {
		if m.alignment, err = json.Marshal(e.Alignment); err != nil {
			return m, fmt.Errorf("marshal alignment: %w", err)
		}
	}
	if e.Failures != nil {
		if m.failures, err = json.Marshal(e.Failures); err != nil {
			return m, fmt.Errorf("marshal failures: %w", err)
		}
	}
	if m.reasons, err = json.Marshal(e.Reasons); err != nil {
		return m, fmt.Errorf("marshal reasons: %w", err)
	}
	if m.thresholds, err = json.Marshal(e.Thresholds); err != nil {
		return m, fmt.Errorf("marshal thresholds: %w", err)
	}
	return m, nil
}

func scanEvaluation(row pgx.Row) (*gate.Evaluation, error) {
	var (
		e              gate.Evaluation
		requestJSON    []byte
		consensusJSON  []byte
		alignmentJSON  []byte
		failuresJSON   []byte
		reasonsJSON    []byte
		thresholdsJSON []byte
	)
	if err := row.Scan(&e.ID, &e.Stage, &e.Outcome, &e.Rounds, &requestJSON, &consensusJSON, &alignmentJSON,
		&failuresJSON, &e.CallsUsed, &e.CacheHits, &reasonsJSON, &thresholdsJSON,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if len(requestJSON) > 0 {
		if err := json.Unmarshal(requestJSON, &e.Request); err != nil {
			return nil, fmt.Errorf("unmarshal request: %w", err)
		}
	}
	if len(consensusJSON) > 0 {
		if err := json.Unmarshal(consensusJSON, &e.Consensus); err != nil {
			return nil, fmt.Errorf("unmarshal consensus: %w", err)
		}
	}
	if len(alignmentJSON) > 0 {
		if err := json.Unmarshal(alignmentJSON, &e.Alignment); err != nil {
			return nil, fmt.Errorf("unmarshal alignment: %w", err)
		}
	}
	if len(failuresJSON) > 0 {
		if err := json.Unmarshal(failuresJSON, &e.Failures); err != nil {
			return nil, fmt.Errorf("unmarshal failures: %w", err)
		}
	}
	if len(reasonsJSON) > 0 {
		if err := json.Unmarshal(reasonsJSON, &e.Reasons); err != nil {
			return nil, fmt.Errorf("unmarshal reasons: %w", err)
		}
	}
	if len(thresholdsJSON) > 0 {
		if err := json.Unmarshal(thresholdsJSON, &e.Thresholds); err != nil {
			return nil, fmt.Errorf("unmarshal thresholds: %w", err)
		}
	}
	return &e, nil
}

// --- Escalations ---

const escalationColumns = `id, evaluation_id, summary, status, decision, justification,
	added_context, created_at, resolved_at`

// CreateEscalation persists a new pending escalation.
func (s *Store) CreateEscalation(ctx context.Context, esc *gate.Escalation) error {
	summaryJSON, err := json.Marshal(esc.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO gate_escalations (id, evaluation_id, summary, status)
		 VALUES ($1, $2, $3, $4)`,
		esc.ID, esc.EvaluationID, summaryJSON, esc.Status)
	if err != nil {
		return fmt.Errorf("create escalation: %w", err)
	}
	return nil
}

// GetEscalation fetches one escalation by id.
func (s *Store) GetEscalation(ctx context.Context, id string) (*gate.Escalation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+escalationColumns+` FROM gate_escalations WHERE id = $1`, id)

	esc, err := scanEscalation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get escalation %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get escalation %s: %w", id, err)
	}
	return esc, nil
}

// ListEscalations returns escalations, optionally filtered by status.
func (s *Store) ListEscalations(ctx context.Context, status gate.EscalationStatus, limit int) ([]gate.Escalation, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+escalationColumns+` FROM gate_escalations ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+escalationColumns+` FROM gate_escalations WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
			status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	var escs []gate.Escalation
	for rows.Next() {
		esc, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		escs = append(escs, *esc)
	}
	return escs, rows.Err()
}

// ResolveEscalation records a human decision on a pending escalation.
// Resolving an already-resolved escalation is a conflict.
func (s *Store) ResolveEscalation(ctx context.Context, esc *gate.Escalation) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE gate_escalations
		 SET status = $2, decision = $3, justification = $4, added_context = $5, resolved_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		esc.ID, esc.Status, esc.Decision, esc.Justification, esc.AddedContext)
	if err != nil {
		return fmt.Errorf("resolve escalation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resolve escalation %s: %w", esc.ID, domain.ErrConflict)
	}
	return nil
}

func scanEscalation(row pgx.Row) (*gate.Escalation, error) {
	var (
		esc           gate.Escalation
		summaryJSON   []byte
		decision      *string
		justification *string
		addedContext  *string
	)
	if err := row.Scan(&esc.ID, &esc.EvaluationID, &summaryJSON, &esc.Status,
		&decision, &justification, &addedContext, &esc.CreatedAt, &esc.ResolvedAt); err != nil {
		return nil, err
	}
	if len(summaryJSON) > 0 {
		if err := json.Unmarshal(summaryJSON, &esc.Summary); err != nil {
			return nil, fmt.Errorf("unmarshal summary: %w", err)
		}
	}
	if decision != nil {
		esc.Decision = gate.Decision(*decision)
	}
	if justification != nil {
		esc.Justification = *justification
	}
	if addedContext != nil {
		esc.AddedContext = *addedContext
	}
	return &esc, nil
}

// --- API keys ---

// CreateAPIKey persists a new API key record.
func (s *Store) CreateAPIKey(ctx context.Context, k *apikey.Key) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, secret_hash) VALUES ($1, $2, $3)`,
		k.ID, k.Name, k.SecretHash)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// GetAPIKey fetches one API key by id.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*apikey.Key, error) {
	var k apikey.Key
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, secret_hash, created_at, last_used_at FROM api_keys WHERE id = $1`, id).
		Scan(&k.ID, &k.Name, &k.SecretHash, &k.CreatedAt, &k.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get api key %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get api key %s: %w", id, err)
	}
	return &k, nil
}

// TouchAPIKey updates a key's last-used timestamp.
func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}
