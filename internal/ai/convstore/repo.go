package convstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/floegence/turnengine/internal/ai/errs"
)

// ErrMessageNotFound is returned when a pagination cursor names an unknown message.
var ErrMessageNotFound = errors.New("message not found")

// Repository is the authoritative relational store for conversations.
//
// SQLite (modernc.org/sqlite) is the default; postgres (lib/pq) shares the
// same schema with BIGINT/BIGSERIAL column types.
type Repository struct {
	db *sql.DB
	d  dialect
}

// OpenRepository opens driver ("sqlite" or "postgres") at dsn and migrates the schema.
func OpenRepository(driver string, dsn string) (*Repository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("missing dsn")
	}
	switch strings.TrimSpace(driver) {
	case "", "sqlite":
		p := filepath.Clean(dsn)
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, err
		}
		db, err := sql.Open("sqlite", p)
		if err != nil {
			return nil, err
		}
		if err := initSQLite(db); err != nil {
			_ = db.Close()
			return nil, err
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		return &Repository{db: db, d: dialectSQLite}, nil
	case "postgres":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := initPostgres(db); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &Repository{db: db, d: dialectPostgres}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) ready() error {
	if r == nil || r.db == nil {
		return errors.New("repository not initialized")
	}
	return nil
}

func (r *Repository) CreateConversation(ctx context.Context, c Conversation) error {
	if err := r.ready(); err != nil {
		return err
	}
	meta, err := encodeMetadata(c.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.d.rebind(`
INSERT INTO conversations(id, title, created_at_unix_ms, updated_at_unix_ms, metadata_json)
VALUES(?, ?, ?, ?, ?)
`), c.ID, c.Title, c.CreatedAtUnixMs, c.UpdatedAtUnixMs, meta)
	return err
}

// GetConversation returns (nil, nil) when the conversation does not exist.
func (r *Repository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	var (
		c    Conversation
		meta string
	)
	err := r.db.QueryRowContext(ctx, r.d.rebind(`
SELECT id, title, created_at_unix_ms, updated_at_unix_ms, metadata_json
FROM conversations
WHERE id = ?
`), id).Scan(&c.ID, &c.Title, &c.CreatedAtUnixMs, &c.UpdatedAtUnixMs, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Metadata = decodeMetadata(meta)
	return &c, nil
}

// InsertMessage writes m, its tool calls and the conversation updated_at bump
// in one transaction. The conversation row stays locked for the transaction
// and updated_at never moves backwards. m.CreatedAtUnixMs is raised to the
// conversation's updated_at when the clock is behind it; the stored value is
// returned.
func (r *Repository) InsertMessage(ctx context.Context, m Message) (Message, error) {
	if err := r.ready(); err != nil {
		return Message{}, err
	}
	meta, err := encodeMetadata(m.Metadata)
	if err != nil {
		return Message{}, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		title     string
		updatedAt int64
	)
	err = tx.QueryRowContext(ctx, r.d.rebind(`SELECT title, updated_at_unix_ms FROM conversations WHERE id = ?`+r.d.lockRow()), m.ConversationID).Scan(&title, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, errs.ErrConversationNotFound
	}
	if err != nil {
		return Message{}, err
	}
	if m.CreatedAtUnixMs < updatedAt {
		m.CreatedAtUnixMs = updatedAt
	}

	if _, err := tx.ExecContext(ctx, r.d.rebind(`
INSERT INTO messages(id, conversation_id, role, content, created_at_unix_ms, metadata_json)
VALUES(?, ?, ?, ?, ?, ?)
`), m.ID, m.ConversationID, string(m.Role), m.Content, m.CreatedAtUnixMs, meta); err != nil {
		return Message{}, err
	}

	for i := range m.ToolCalls {
		tc := &m.ToolCalls[i]
		tc.MessageID = m.ID
		tc.CreatedAtUnixMs = m.CreatedAtUnixMs
		if tc.Status == "" {
			tc.Status = ToolCallPending
		}
		args := tc.ArgumentsJSON
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		var result any
		if tc.ResultJSON != nil {
			result = *tc.ResultJSON
		}
		if _, err := tx.ExecContext(ctx, r.d.rebind(`
INSERT INTO tool_calls(id, message_id, position, tool_name, function_name, arguments_json, result_json, status, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
`), tc.ID, tc.MessageID, i, tc.ToolName, tc.FunctionName, args, result, string(tc.Status), tc.CreatedAtUnixMs); err != nil {
			return Message{}, fmt.Errorf("insert tool call %q: %w", tc.ID, err)
		}
	}

	if title == "" && m.Role == RoleUser {
		title = titleFromContent(m.Content)
	}
	if _, err := tx.ExecContext(ctx, r.d.rebind(`
UPDATE conversations
SET updated_at_unix_ms = CASE WHEN updated_at_unix_ms > ? THEN updated_at_unix_ms ELSE ? END, title = ?
WHERE id = ?
`), m.CreatedAtUnixMs, m.CreatedAtUnixMs, title, m.ConversationID); err != nil {
		return Message{}, err
	}

	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// ListMessages returns up to limit messages in stored order. When beforeID is
// set only messages stored before it are considered.
func (r *Repository) ListMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]Message, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []Message{}, nil
	}

	args := []any{conversationID}
	where := ""
	if beforeID = strings.TrimSpace(beforeID); beforeID != "" {
		var createdAt, seq int64
		err := r.db.QueryRowContext(ctx, r.d.rebind(`
SELECT created_at_unix_ms, seq FROM messages WHERE conversation_id = ? AND id = ?
`), conversationID, beforeID).Scan(&createdAt, &seq)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		if err != nil {
			return nil, err
		}
		where = "AND (created_at_unix_ms < ? OR (created_at_unix_ms = ? AND seq < ?))"
		args = append(args, createdAt, createdAt, seq)
	}
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.d.rebind(fmt.Sprintf(`
SELECT id, conversation_id, role, content, created_at_unix_ms, metadata_json
FROM messages
WHERE conversation_id = ?
%s
ORDER BY created_at_unix_ms DESC, seq DESC
LIMIT ?
`, where)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m    Message
			role string
			meta string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.CreatedAtUnixMs, &meta); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		m.Metadata = decodeMetadata(meta)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if err := r.attachToolCalls(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) attachToolCalls(ctx context.Context, msgs []Message) error {
	idx := make(map[string]int)
	placeholders := make([]string, 0, len(msgs))
	args := make([]any, 0, len(msgs))
	for i := range msgs {
		if msgs[i].Role != RoleAssistant {
			continue
		}
		idx[msgs[i].ID] = i
		placeholders = append(placeholders, "?")
		args = append(args, msgs[i].ID)
	}
	if len(args) == 0 {
		return nil
	}

	rows, err := r.db.QueryContext(ctx, r.d.rebind(fmt.Sprintf(`
SELECT id, message_id, tool_name, function_name, arguments_json, result_json, status, created_at_unix_ms
FROM tool_calls
WHERE message_id IN (%s)
ORDER BY message_id, position
`, strings.Join(placeholders, ","))), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tc     ToolCall
			result sql.NullString
			status string
		)
		if err := rows.Scan(&tc.ID, &tc.MessageID, &tc.ToolName, &tc.FunctionName, &tc.ArgumentsJSON, &result, &status, &tc.CreatedAtUnixMs); err != nil {
			return err
		}
		if result.Valid {
			v := result.String
			tc.ResultJSON = &v
		}
		tc.Status = ToolCallStatus(status)
		if i, ok := idx[tc.MessageID]; ok {
			msgs[i].ToolCalls = append(msgs[i].ToolCalls, tc)
		}
	}
	return rows.Err()
}

// DeleteConversation removes tool calls, messages and the conversation in one
// transaction. It reports whether the conversation existed.
func (r *Repository) DeleteConversation(ctx context.Context, id string) (bool, error) {
	if err := r.ready(); err != nil {
		return false, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, r.d.rebind(`
DELETE FROM tool_calls WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)
`), id); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, r.d.rebind(`DELETE FROM messages WHERE conversation_id = ?`), id); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, r.d.rebind(`DELETE FROM conversations WHERE id = ?`), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListConversations returns the most recently updated conversations.
func (r *Repository) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, r.d.rebind(`
SELECT id, title, created_at_unix_ms, updated_at_unix_ms, metadata_json
FROM conversations
ORDER BY updated_at_unix_ms DESC, id DESC
LIMIT ?
`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Conversation, 0, limit)
	for rows.Next() {
		var (
			c    Conversation
			meta string
		)
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAtUnixMs, &c.UpdatedAtUnixMs, &meta); err != nil {
			return nil, err
		}
		c.Metadata = decodeMetadata(meta)
		out = append(out, c)
	}
	return out, rows.Err()
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
