// Package repository is the persistence adapter: durable rows for users,
// books, chapters, chapter embeddings, rate-limit entries, dialogs, and
// audit events over PostgreSQL. Entities are fetched by identifier and
// copied into memory; no cursors are retained.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	// Postgres driver registration.
	_ "github.com/lib/pq"

	"github.com/inkwell-ai/inkwell/pkg/apperr"
	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/observability"
)

// Config configures the database connection
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DefaultConfig returns the default connection configuration
func DefaultConfig() Config {
	return Config{
		DSN:             "postgres://localhost:5432/inkwell?sslmode=disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Postgres implements the persistence adapter over sqlx
type Postgres struct {
	db     *sqlx.DB
	logger observability.Logger
}

// New opens a connection pool and verifies connectivity
func New(config Config, logger observability.Logger) (*Postgres, error) {
	if logger == nil {
		logger = observability.NewLogger("repository")
	}

	db, err := sqlx.Connect("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	return &Postgres{db: db, logger: logger}, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sqlx.DB, logger observability.Logger) *Postgres {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Postgres{db: db, logger: logger}
}

// Ping verifies connectivity
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close releases the pool
func (p *Postgres) Close() error {
	return p.db.Close()
}

// GetUser fetches a user by id
func (p *Postgres) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := `SELECT id, email, created_at FROM users WHERE id = $1`

	var user models.User
	err := p.db.GetContext(ctx, &user, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "user_not_found", "user not found")
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// CreateUser inserts a user row
func (p *Postgres) CreateUser(ctx context.Context, user *models.User) error {
	query := `INSERT INTO users (id, email, created_at) VALUES ($1, $2, $3)`
	_, err := p.db.ExecContext(ctx, query, user.ID, user.Email, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// DeleteUser removes a user; ownership-scoped rows cascade in the schema
func (p *Postgres) DeleteUser(ctx context.Context, id uuid.UUID) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// GetBook fetches a book by id
func (p *Postgres) GetBook(ctx context.Context, id uuid.UUID) (*models.Book, error) {
	query := `SELECT id, owner_id, title, author, chapter_count, public_flag, created_at
              FROM books WHERE id = $1`

	var book models.Book
	err := p.db.GetContext(ctx, &book, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "book_not_found", "book not found")
		}
		return nil, fmt.Errorf("failed to get book: %w", err)
	}
	return &book, nil
}

// GetChapters returns a book's chapters in index order
func (p *Postgres) GetChapters(ctx context.Context, bookID uuid.UUID) ([]models.Chapter, error) {
	query := `SELECT id, book_id, idx, title, text, word_count
              FROM chapters WHERE book_id = $1 ORDER BY idx`

	var chapters []models.Chapter
	err := p.db.SelectContext(ctx, &chapters, query, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chapters: %w", err)
	}
	return chapters, nil
}

// chapterEmbeddingRow maps the chapter_embeddings table
type chapterEmbeddingRow struct {
	ID         uuid.UUID `db:"id"`
	BookID     uuid.UUID `db:"book_id"`
	ChapterIdx int       `db:"chapter_idx"`
	Start      int       `db:"start"`
	End        int       `db:"end"`
	Vector     []byte    `db:"vector"`
	Content    string    `db:"content"`
}

// StoreChapterEmbedding persists one chunk embedding scoped by book
func (p *Postgres) StoreChapterEmbedding(ctx context.Context, bookID uuid.UUID, ref models.ChunkRef, vector []float32, content string) error {
	encoded, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("failed to encode vector: %w", err)
	}

	query := `INSERT INTO chapter_embeddings (id, book_id, chapter_idx, "start", "end", vector, content)
              VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = p.db.ExecContext(ctx, query, uuid.New(), bookID, ref.ChapterIdx, ref.Start, ref.End, encoded, content)
	if err != nil {
		return fmt.Errorf("failed to store chapter embedding: %w", err)
	}
	return nil
}

// GetChapterEmbeddings returns a book's stored chunk embeddings
func (p *Postgres) GetChapterEmbeddings(ctx context.Context, bookID uuid.UUID) ([]models.Chunk, error) {
	query := `SELECT id, book_id, chapter_idx, "start", "end", vector, content
              FROM chapter_embeddings WHERE book_id = $1 ORDER BY chapter_idx, "start"`

	var rows []chapterEmbeddingRow
	if err := p.db.SelectContext(ctx, &rows, query, bookID); err != nil {
		return nil, fmt.Errorf("failed to get chapter embeddings: %w", err)
	}

	chunks := make([]models.Chunk, 0, len(rows))
	for _, row := range rows {
		var vector []float32
		if err := json.Unmarshal(row.Vector, &vector); err != nil {
			p.logger.Warn("Skipping undecodable embedding row", map[string]interface{}{
				"id": row.ID.String(),
			})
			continue
		}
		chunks = append(chunks, models.Chunk{
			Ref: models.ChunkRef{
				BookID:     row.BookID,
				ChapterIdx: row.ChapterIdx,
				Start:      row.Start,
				End:        row.End,
			},
			Content:   row.Content,
			Embedding: vector,
		})
	}
	return chunks, nil
}

// CountSince counts rate-limit rows for a key after the cutoff
func (p *Postgres) CountSince(ctx context.Context, key string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM rate_limit_entries WHERE key = $1 AND timestamp > $2`

	var count int
	if err := p.db.GetContext(ctx, &count, query, key, since); err != nil {
		return 0, fmt.Errorf("failed to count rate limit entries: %w", err)
	}
	return count, nil
}

// Insert appends one rate-limit row
func (p *Postgres) Insert(ctx context.Context, entry models.RateLimitEntry) error {
	query := `INSERT INTO rate_limit_entries (key, timestamp, ip, user_agent, endpoint)
              VALUES ($1, $2, $3, $4, $5)`
	_, err := p.db.ExecContext(ctx, query, entry.Key, entry.Timestamp, entry.IPAddress, entry.UserAgent, entry.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to insert rate limit entry: %w", err)
	}
	return nil
}

// PurgeOlderThan removes rate-limit rows older than the cutoff
func (p *Postgres) PurgeOlderThan(ctx context.Context, key string, before time.Time) error {
	query := `DELETE FROM rate_limit_entries WHERE key = $1 AND timestamp <= $2`
	if _, err := p.db.ExecContext(ctx, query, key, before); err != nil {
		return fmt.Errorf("failed to purge rate limit entries: %w", err)
	}
	return nil
}

// InsertAuditEvents appends audit rows in one transaction
func (p *Postgres) InsertAuditEvents(ctx context.Context, events []models.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `INSERT INTO audit_events (id, timestamp, event_type, user_id, ip, endpoint, details, severity)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for _, event := range events {
		details, err := json.Marshal(event.Details)
		if err != nil {
			details = []byte("{}")
		}
		if _, err := tx.ExecContext(ctx, query,
			event.ID, event.Timestamp, event.EventType, event.UserID,
			event.IPAddress, event.Endpoint, details, event.Severity); err != nil {
			return fmt.Errorf("failed to insert audit event: %w", err)
		}
	}

	return tx.Commit()
}

// CreateDialog inserts a dialog container row
func (p *Postgres) CreateDialog(ctx context.Context, dialog *models.Dialog) error {
	query := `INSERT INTO dialogs (id, user_id, book_id, created_at) VALUES ($1, $2, $3, $4)`
	_, err := p.db.ExecContext(ctx, query, dialog.ID, dialog.UserID, dialog.BookID, dialog.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create dialog: %w", err)
	}
	return nil
}

// GetDialog fetches a dialog by id
func (p *Postgres) GetDialog(ctx context.Context, id uuid.UUID) (*models.Dialog, error) {
	query := `SELECT id, user_id, book_id, created_at FROM dialogs WHERE id = $1`

	var dialog models.Dialog
	err := p.db.GetContext(ctx, &dialog, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "dialog_not_found", "conversation not found")
		}
		return nil, fmt.Errorf("failed to get dialog: %w", err)
	}
	return &dialog, nil
}

// AppendMessages inserts dialog message rows in one transaction
func (p *Postgres) AppendMessages(ctx context.Context, messages []models.DialogMessage) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin message transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `INSERT INTO dialog_messages (id, dialog_id, role, content, created_at)
              VALUES ($1, $2, $3, $4, $5)`
	for _, message := range messages {
		if _, err := tx.ExecContext(ctx, query,
			message.ID, message.DialogID, message.Role, message.Content, message.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert dialog message: %w", err)
		}
	}

	return tx.Commit()
}
