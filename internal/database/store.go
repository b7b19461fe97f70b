// Package database defines the insertions and transactions to the record store
package database

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"inference-gateway/internal/shared"

	"go.uber.org/zap"
)

// Message statuses
const (
	StatusCompleted    = "completed"
	StatusError        = "error"
	StatusTimeout      = "timeout"
	StatusDisconnected = "disconnected"
)

// Exchange is one user turn and the assistant reply to it. Ids left empty
// are generated.
type Exchange struct {
	ConversationID     string
	UserMessageID      string
	AssistantMessageID string

	UserText      string
	AssistantText string

	Model        string
	RouteKey     string
	SystemPrompt *string
	Temperature  *float64
	MaxTokens    *int
	UpstreamID   string
	Usage        *shared.Usage

	Status    string
	ErrorText string

	RawRequest  []byte
	RawResponse []byte

	StartedAt   time.Time
	CompletedAt time.Time
}

type ExchangeRef struct {
	ConversationID     string
	UserMessageID      string
	AssistantMessageID string
}

// StreamArtifact finishes a streamed assistant turn
type StreamArtifact struct {
	MessageID   string
	FinalText   string
	RawLines    []string
	Status      string
	ErrorText   string
	Usage       *shared.Usage
	CompletedAt time.Time
}

// RawMessage is the decompressed raw payloads stored for a message
type RawMessage struct {
	MessageID   string  `json:"message_id"`
	RawRequest  *string `json:"raw_request_json"`
	RawResponse *string `json:"raw_response_json"`
	RawSSE      *string `json:"raw_sse"`
}

type Store struct {
	db      *sql.DB
	dialect Dialect
	log     *zap.SugaredLogger
}

func NewStore(db *sql.DB, driver string, log *zap.SugaredLogger) (*Store, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, dialect: dialect, log: log}, nil
}

// RecordExchange writes the conversation (when new) and both turns in one
// transaction
func (s *Store) RecordExchange(ctx context.Context, ex Exchange) (ExchangeRef, error) {
	ref := ExchangeRef{
		ConversationID:     orNewID(ex.ConversationID),
		UserMessageID:      orNewID(ex.UserMessageID),
		AssistantMessageID: orNewID(ex.AssistantMessageID),
	}
	if ex.StartedAt.IsZero() {
		ex.StartedAt = time.Now().UTC()
	}
	if ex.Status == "" {
		ex.Status = StatusCompleted
	}

	rawRequest, err := compress(ex.RawRequest)
	if err != nil {
		return ref, err
	}
	rawResponse, err := compress(ex.RawResponse)
	if err != nil {
		return ref, err
	}

	var prompt, completion, total sql.NullInt64
	if ex.Usage != nil {
		prompt = sql.NullInt64{Int64: int64(ex.Usage.PromptTokens), Valid: true}
		completion = sql.NullInt64{Int64: int64(ex.Usage.CompletionTokens), Valid: true}
		total = sql.NullInt64{Int64: int64(ex.Usage.TotalTokens), Valid: true}
	}

	err = ExecuteTransaction(ctx, s.db, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, s.dialect.InsertIgnore+` conversations (id, title, created_at, pinned) VALUES (?, ?, ?, ?)`,
				ref.ConversationID, title(ex.UserText), ex.StartedAt, false)
			return err
		},
		func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO messages (
				id, conversation_id, role, content_text, model, model_key, system_prompt,
				temperature, max_tokens, raw_request_gzip, status, started_at, completed_at
			) VALUES (?, ?, 'user', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				ref.UserMessageID, ref.ConversationID, ex.UserText, ex.Model, ex.RouteKey, ex.SystemPrompt,
				ex.Temperature, ex.MaxTokens, rawRequest, StatusCompleted, ex.StartedAt, ex.StartedAt)
			return err
		},
		func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO messages (
				id, conversation_id, parent_id, role, content_text, model, model_key,
				upstream_id, raw_response_gzip, prompt_tokens, completion_tokens, total_tokens,
				status, error_text, started_at, completed_at
			) VALUES (?, ?, ?, 'assistant', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				ref.AssistantMessageID, ref.ConversationID, ref.UserMessageID, ex.AssistantText, ex.Model, ex.RouteKey,
				nullString(ex.UpstreamID), rawResponse, prompt, completion, total,
				ex.Status, nullString(ex.ErrorText), ex.StartedAt, nullTime(ex.CompletedAt))
			return err
		},
	})
	if err != nil {
		return ref, errors.Join(shared.ErrPersist, err)
	}
	return ref, nil
}

// RecordStreamArtifact stores the raw event stream lines of a streamed turn
// and updates the turn with its final text and status
func (s *Store) RecordStreamArtifact(ctx context.Context, art StreamArtifact) error {
	if art.CompletedAt.IsZero() {
		art.CompletedAt = time.Now().UTC()
	}
	if art.Status == "" {
		art.Status = StatusCompleted
	}
	rawSSE, err := compress([]byte(strings.Join(art.RawLines, "\n")))
	if err != nil {
		return err
	}
	if rawSSE == nil {
		rawSSE = []byte{}
	}

	err = ExecuteTransaction(ctx, s.db, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `UPDATE messages SET content_text = ?, status = ?, error_text = ?, completed_at = ? WHERE id = ?`,
				art.FinalText, art.Status, nullString(art.ErrorText), art.CompletedAt, art.MessageID)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return fmt.Errorf("message %s: %w", art.MessageID, shared.ErrNotFound)
			}
			return nil
		},
		func(tx *sql.Tx) error {
			if art.Usage == nil {
				return nil
			}
			_, err := tx.ExecContext(ctx, `UPDATE messages SET prompt_tokens = ?, completion_tokens = ?, total_tokens = ? WHERE id = ?`,
				art.Usage.PromptTokens, art.Usage.CompletionTokens, art.Usage.TotalTokens, art.MessageID)
			return err
		},
		func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO message_streams (id, message_id, raw_sse_gzip, created_at) VALUES (?, ?, ?, ?)`,
				shared.NewID(), art.MessageID, rawSSE, art.CompletedAt)
			return err
		},
	})
	if err != nil {
		return errors.Join(shared.ErrPersist, err)
	}
	return nil
}

// MessageRaw returns the decompressed raw payloads for id. Payloads that are
// missing or not valid gzip come back nil.
func (s *Store) MessageRaw(ctx context.Context, id string) (*RawMessage, error) {
	var rawRequest, rawResponse []byte
	err := s.db.QueryRowContext(ctx, `SELECT raw_request_gzip, raw_response_gzip FROM messages WHERE id = ?`, id).
		Scan(&rawRequest, &rawResponse)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}

	out := &RawMessage{
		MessageID:   id,
		RawRequest:  s.decompress(rawRequest),
		RawResponse: s.decompress(rawResponse),
	}

	var rawSSE []byte
	err = s.db.QueryRowContext(ctx, `SELECT raw_sse_gzip FROM message_streams WHERE message_id = ? ORDER BY created_at DESC LIMIT 1`, id).
		Scan(&rawSSE)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to query message stream: %w", err)
	default:
		out.RawSSE = s.decompress(rawSSE)
	}
	return out, nil
}

// ExecuteTransaction runs fns in order inside one transaction, rolling back
// on the first error
func ExecuteTransaction(ctx context.Context, writeDB *sql.DB, fns []func(*sql.Tx) error) error {
	tx, err := writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, fn := range fns {
		if err := fn(tx); err != nil {
			return fmt.Errorf("failed to execute transaction function: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func compress(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Store) decompress(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		s.log.Warnw("Stored payload is not gzip", "error", err)
		return nil
	}
	defer func() {
		_ = zr.Close()
	}()
	out, err := io.ReadAll(zr)
	if err != nil {
		s.log.Warnw("Failed to decompress stored payload", "error", err)
		return nil
	}
	str := strings.ToValidUTF8(string(out), "�")
	return &str
}

func title(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > shared.TitleLength {
		return string(runes[:shared.TitleLength])
	}
	return text
}

func orNewID(id string) string {
	if id == "" {
		return shared.NewID()
	}
	return id
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
