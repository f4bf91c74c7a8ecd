// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/llmclient"
	"github.com/xkilldash9x/infant/internal/memory"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Schema creates the audit tables. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    started_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL REFERENCES sessions(id),
    request     TEXT NOT NULL,
    state       TEXT NOT NULL,
    cost        DOUBLE PRECISION NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS memories (
    task_id     TEXT NOT NULL REFERENCES tasks(id),
    seq         INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    source      TEXT NOT NULL,
    rendered    TEXT NOT NULL,
    payload     JSONB NOT NULL,
    PRIMARY KEY (task_id, seq)
);
CREATE TABLE IF NOT EXISTS llm_calls (
    session_id        TEXT NOT NULL REFERENCES sessions(id),
    function          TEXT NOT NULL,
    model             TEXT NOT NULL,
    prompt_tokens     INTEGER NOT NULL,
    completion_tokens INTEGER NOT NULL,
    cost              DOUBLE PRECISION NOT NULL,
    request           JSONB NOT NULL,
    response          TEXT NOT NULL,
    called_at         TIMESTAMPTZ NOT NULL
);
`

const (
	sqlInsertSession = `INSERT INTO sessions (id, started_at) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING;`
	sqlInsertTask    = `INSERT INTO tasks (id, session_id, request, state, cost, finished_at) VALUES ($1, $2, $3, $4, $5, $6);`
	sqlInsertCall    = `
        INSERT INTO llm_calls (session_id, function, model, prompt_tokens, completion_tokens, cost, request, response, called_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
    `
)

var memoryColumns = []string{"task_id", "seq", "kind", "source", "rendered", "payload"}

// DBPool is the subset of pgxpool.Pool the store uses, so tests can mock it.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the write-only session audit log. Nothing here is read back into
// a running session.
type Store struct {
	pool      DBPool
	sessionID string
	log       *zap.Logger
	now       func() time.Time
}

// New verifies the connection, applies the schema and registers the session.
func New(ctx context.Context, pool DBPool, sessionID string, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &Store{pool: pool, sessionID: sessionID, log: logger.Named("store"), now: time.Now}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return nil, fmt.Errorf("failed to apply audit schema: %w", err)
	}
	if _, err := pool.Exec(ctx, sqlInsertSession, sessionID, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to register session: %w", err)
	}
	return s, nil
}

// TaskRecord is a finished task and the memories it produced.
type TaskRecord struct {
	ID       string
	Request  string
	State    string
	Cost     float64
	Memories []memory.Memory
}

// RecordTask writes the task and its memories in one transaction.
func (s *Store) RecordTask(ctx context.Context, rec TaskRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlInsertTask, rec.ID, s.sessionID, rec.Request, rec.State, rec.Cost, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	if len(rec.Memories) > 0 {
		if err := s.copyMemories(ctx, tx, rec.ID, rec.Memories); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) copyMemories(ctx context.Context, tx pgx.Tx, taskID string, mems []memory.Memory) error {
	rows := make([][]any, len(mems))
	for i, m := range mems {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode memory %d: %w", i, err)
		}
		rows[i] = []any{taskID, i, string(m.Kind()), string(m.Env().Source), m.String(), payload}
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"memories"}, memoryColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy memories: %w", err)
	}
	if int(n) != len(mems) {
		return fmt.Errorf("mismatch in copied memories count: expected %d, got %d", len(mems), n)
	}
	return nil
}

// auditMessage is a prompt turn with its images reduced to a count.
type auditMessage struct {
	Role   llmclient.Role `json:"role"`
	Text   string         `json:"text"`
	Images int            `json:"images,omitempty"`
}

// RecordCall persists one priced LLM call. Failures are logged and never
// reach the caller.
func (s *Store) RecordCall(ctx context.Context, rec llmclient.CallRecord, msgs []llmclient.Message, c llmclient.Completion) {
	turns := make([]auditMessage, len(msgs))
	for i, m := range msgs {
		turns[i] = auditMessage{Role: m.Role, Text: m.Text(), Images: len(m.Images())}
	}
	request, err := json.Marshal(turns)
	if err != nil {
		s.log.Warn("Failed to encode LLM request for audit.", zap.Error(err))
		return
	}
	_, err = s.pool.Exec(ctx, sqlInsertCall,
		s.sessionID, rec.Function, rec.Model,
		rec.Usage.PromptTokens, rec.Usage.CompletionTokens, rec.Cost,
		request, c.Text, rec.Timestamp.UTC(),
	)
	if err != nil {
		s.log.Warn("Failed to record LLM call.", zap.String("function", rec.Function), zap.Error(err))
	}
}

var _ llmclient.CallObserver = (*Store)(nil)
