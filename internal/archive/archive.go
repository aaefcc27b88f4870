// Package archive persists completed turn transcripts to SQLite. The
// archive is a durable record of everything said, independent of the
// in-memory working history: eviction and conversation resets never
// touch it.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/datatalk-ai/datatalk/internal/artifact"
	"github.com/datatalk-ai/datatalk/internal/memory"
)

// Entry is one archived message.
type Entry struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Artifact       *artifact.Artifact
	CreatedAt      time.Time
}

// Store is an append-only transcript archive.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the archive database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS archive_messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		artifact        TEXT,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archive_conversation ON archive_messages(conversation_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordTurn appends a turn's messages to the conversation's
// transcript. Messages are archived in order, before any eviction has
// rewritten them.
func (s *Store) RecordTurn(ctx context.Context, conversationID string, msgs []memory.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO archive_messages (id, conversation_id, role, content, artifact, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare archive insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate archive ID: %w", err)
		}

		var artifactJSON sql.NullString
		if m.Artifact != nil {
			data, err := json.Marshal(m.Artifact)
			if err != nil {
				return fmt.Errorf("marshal artifact: %w", err)
			}
			artifactJSON = sql.NullString{String: string(data), Valid: true}
		}

		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}

		if _, err := stmt.ExecContext(ctx,
			id.String(), conversationID, string(m.Role), m.Content,
			artifactJSON, ts.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert archive message: %w", err)
		}
	}

	return tx.Commit()
}

// Transcript returns a conversation's full archived transcript in
// chronological order.
func (s *Store) Transcript(ctx context.Context, conversationID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, artifact, created_at
		 FROM archive_messages
		 WHERE conversation_id = ?
		 ORDER BY created_at, id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e            Entry
			artifactJSON sql.NullString
			createdAt    string
		)
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.Role, &e.Content, &artifactJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transcript entry: %w", err)
		}
		if artifactJSON.Valid {
			var a artifact.Artifact
			if err := json.Unmarshal([]byte(artifactJSON.String), &a); err != nil {
				return nil, fmt.Errorf("unmarshal artifact: %w", err)
			}
			e.Artifact = &a
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Conversations lists archived conversation IDs, most recently active
// first.
func (s *Store) Conversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id
		 FROM archive_messages
		 GROUP BY conversation_id
		 ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
