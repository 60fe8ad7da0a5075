package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// Store defines the data access interface for archived messages.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// InsertBatch persists records in fixed-size chunks. Each chunk is one
	// transaction; a record whose composite key already exists is skipped
	// rather than failing the chunk.
	InsertBatch(ctx context.Context, records []Record) error

	// GetMessage retrieves one record by its composite key.
	// Returns nil, nil when no such row exists.
	GetMessage(ctx context.Context, sourceID string, messageID int) (*Record, error)

	// CountBySource returns the number of stored rows for a source.
	CountBySource(ctx context.Context, sourceID string) (int, error)

	// ListByLocalDateRange returns records whose local timestamp falls in
	// [from, to], ordered by local timestamp. Bounds use the stored string
	// rendering ("2006-01-02 15:04:05-0700").
	ListByLocalDateRange(ctx context.Context, from, to string) ([]Record, error)

	// AddColumnIfAbsent applies an additive column migration. Safe to call
	// repeatedly, never destructive.
	AddColumnIfAbsent(ctx context.Context, table, column, definition string) error

	// CreateIndexIfAbsent creates a secondary index if it does not exist.
	CreateIndexIfAbsent(ctx context.Context, name, table, column string) error
}

// sqlxStore implements Store using sqlx over SQLite.
type sqlxStore struct {
	db        *sqlx.DB
	logger    *slog.Logger
	batchSize int
}

const defaultBatchSize = 1000

// NewStore creates a new Store backed by sqlx. batchSize bounds the number of
// rows per insert transaction; values below 1 fall back to the default.
func NewStore(db *sqlx.DB, logger *slog.Logger, batchSize int) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if batchSize < 1 {
		batchSize = defaultBatchSize
	}
	return &sqlxStore{
		db:        db,
		logger:    logger.With("component", "store"),
		batchSize: batchSize,
	}
}

// messageRow is the flat row shape of the messages table. Structured
// attributes are JSON documents; SQL NULL marks absence, so a missing map is
// never conflated with an empty one serialized as "".
type messageRow struct {
	SourceID  string `db:"source_id"`
	MessageID int    `db:"message_id"`

	UTCDate   string `db:"utc_date"`
	LocalDate string `db:"local_date"`

	Text         string        `db:"text"`
	SenderID     sql.NullInt64 `db:"sender_id"`
	ReplyToMsgID sql.NullInt64 `db:"reply_to_msg_id"`

	ForwardedFrom sql.NullString `db:"forwarded_from"`
	ForwardCount  sql.NullInt64  `db:"forward_count"`

	MediaType       sql.NullString `db:"media_type"`
	MediaAttributes sql.NullString `db:"media_attributes"`

	Entities  sql.NullString `db:"entities"`
	Views     sql.NullInt64  `db:"views"`
	Reactions sql.NullString `db:"reactions"`

	Hour       int `db:"hour"`
	DayOfWeek  int `db:"day_of_week"`
	Month      int `db:"month"`
	WeekOfYear int `db:"week_of_year"`
	WordCount  int `db:"word_count"`
	EmojiCount int `db:"emoji_count"`
}

// Re-inserting an existing (source_id, message_id) is a no-op: normalization
// is deterministic, so a replacement would rewrite an identical row.
const insertQuery = `
    INSERT INTO messages (
        source_id, message_id,
        utc_date, local_date,
        text, sender_id, reply_to_msg_id,
        forwarded_from, forward_count,
        media_type, media_attributes,
        entities, views, reactions,
        hour, day_of_week, month, week_of_year,
        word_count, emoji_count
    ) VALUES (
        :source_id, :message_id,
        :utc_date, :local_date,
        :text, :sender_id, :reply_to_msg_id,
        :forwarded_from, :forward_count,
        :media_type, :media_attributes,
        :entities, :views, :reactions,
        :hour, :day_of_week, :month, :week_of_year,
        :word_count, :emoji_count
    ) ON CONFLICT (source_id, message_id) DO NOTHING;
`

const selectColumns = `
    source_id, message_id, utc_date, local_date, text, sender_id,
    reply_to_msg_id, forwarded_from, forward_count, media_type,
    media_attributes, entities, views, reactions, hour, day_of_week,
    month, week_of_year, word_count, emoji_count
`

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertBatch persists records in chunks of at most batchSize rows, each
// chunk inside its own transaction.
func (s *sqlxStore) InsertBatch(ctx context.Context, records []Record) error {
	for start := 0; start < len(records); start += s.batchSize {
		end := start + s.batchSize
		if end > len(records) {
			end = len(records)
		}
		if err := s.insertChunk(ctx, records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlxStore) insertChunk(ctx context.Context, chunk []Record) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for insert chunk", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
			}
		}
	}()

	stmt, err := tx.PrepareNamedContext(ctx, insertQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer func() {
		if closeErr := stmt.Close(); closeErr != nil {
			s.logger.WarnContext(ctx, "Error closing insert statement", "error", closeErr)
		}
	}()

	for i := range chunk {
		row, err := rowFromRecord(&chunk[i])
		if err != nil {
			return fmt.Errorf("failed to encode record (%s, %d): %w", chunk[i].SourceID, chunk[i].MessageID, err)
		}
		if _, err := stmt.ExecContext(ctx, row); err != nil {
			s.logger.ErrorContext(ctx, "Error inserting record",
				"source_id", chunk[i].SourceID, "message_id", chunk[i].MessageID, "error", err)
			return fmt.Errorf("failed to insert record (%s, %d): %w", chunk[i].SourceID, chunk[i].MessageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit insert chunk", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Insert chunk committed", "rows", len(chunk))
	return nil
}

// GetMessage retrieves one record by composite key, or nil, nil if absent.
func (s *sqlxStore) GetMessage(ctx context.Context, sourceID string, messageID int) (*Record, error) {
	var row messageRow
	query := "SELECT" + selectColumns + "FROM messages WHERE source_id = ? AND message_id = ?"
	if err := s.db.GetContext(ctx, &row, query, sourceID, messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get record (%s, %d): %w", sourceID, messageID, err)
	}
	record, err := recordFromRow(&row)
	if err != nil {
		return nil, fmt.Errorf("failed to decode record (%s, %d): %w", sourceID, messageID, err)
	}
	return record, nil
}

// CountBySource returns the number of stored rows for a source.
func (s *sqlxStore) CountBySource(ctx context.Context, sourceID string) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM messages WHERE source_id = ?", sourceID); err != nil {
		return 0, fmt.Errorf("failed to count records for %q: %w", sourceID, err)
	}
	return count, nil
}

// ListByLocalDateRange returns records with local_date in [from, to],
// served by the idx_messages_local_date index.
func (s *sqlxStore) ListByLocalDateRange(ctx context.Context, from, to string) ([]Record, error) {
	var rows []messageRow
	query := "SELECT" + selectColumns + "FROM messages WHERE local_date >= ? AND local_date <= ? ORDER BY local_date"
	if err := s.db.SelectContext(ctx, &rows, query, from, to); err != nil {
		return nil, fmt.Errorf("failed to list records in [%s, %s]: %w", from, to, err)
	}

	records := make([]Record, 0, len(rows))
	for i := range rows {
		record, err := recordFromRow(&rows[i])
		if err != nil {
			return nil, fmt.Errorf("failed to decode record (%s, %d): %w", rows[i].SourceID, rows[i].MessageID, err)
		}
		records = append(records, *record)
	}
	return records, nil
}

// AddColumnIfAbsent adds a column to a table unless it already exists.
func (s *sqlxStore) AddColumnIfAbsent(ctx context.Context, table, column, definition string) error {
	rows, err := s.db.QueryxContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("failed to inspect table %q: %w", table, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.WarnContext(ctx, "Error closing table_info rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return fmt.Errorf("failed to scan table_info row: %w", err)
		}
		if name == column {
			s.logger.DebugContext(ctx, "Column already exists", "table", table, "column", column)
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read table_info rows: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)); err != nil {
		return fmt.Errorf("failed to add column %q to %q: %w", column, table, err)
	}
	s.logger.InfoContext(ctx, "Column added", "table", table, "column", column, "definition", definition)
	return nil
}

// CreateIndexIfAbsent creates a secondary index unless it already exists.
func (s *sqlxStore) CreateIndexIfAbsent(ctx context.Context, name, table, column string) error {
	query := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, table, column)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create index %q on %s(%s): %w", name, table, column, err)
	}
	s.logger.DebugContext(ctx, "Index ensured", "index", name, "table", table, "column", column)
	return nil
}

func rowFromRecord(r *Record) (*messageRow, error) {
	row := &messageRow{
		SourceID:   r.SourceID,
		MessageID:  r.MessageID,
		UTCDate:    r.UTCDate,
		LocalDate:  r.LocalDate,
		Text:       r.Text,
		Hour:       r.Hour,
		DayOfWeek:  r.DayOfWeek,
		Month:      r.Month,
		WeekOfYear: r.WeekOfYear,
		WordCount:  r.WordCount,
		EmojiCount: r.EmojiCount,
	}

	if r.SenderID != nil {
		row.SenderID = sql.NullInt64{Int64: *r.SenderID, Valid: true}
	}
	if r.ReplyToMsgID != nil {
		row.ReplyToMsgID = sql.NullInt64{Int64: *r.ReplyToMsgID, Valid: true}
	}
	if r.ForwardCount != nil {
		row.ForwardCount = sql.NullInt64{Int64: int64(*r.ForwardCount), Valid: true}
	}
	if r.Views != nil {
		row.Views = sql.NullInt64{Int64: int64(*r.Views), Valid: true}
	}
	if r.MediaType != nil {
		row.MediaType = sql.NullString{String: *r.MediaType, Valid: true}
	}

	var err error
	if row.ForwardedFrom, err = marshalNullable(r.ForwardedFrom != nil, r.ForwardedFrom); err != nil {
		return nil, err
	}
	if row.MediaAttributes, err = marshalNullable(len(r.MediaAttributes) > 0, r.MediaAttributes); err != nil {
		return nil, err
	}
	if row.Entities, err = marshalNullable(len(r.Entities) > 0, r.Entities); err != nil {
		return nil, err
	}
	if row.Reactions, err = marshalNullable(len(r.Reactions) > 0, r.Reactions); err != nil {
		return nil, err
	}
	return row, nil
}

func recordFromRow(row *messageRow) (*Record, error) {
	r := &Record{
		SourceID:   row.SourceID,
		MessageID:  row.MessageID,
		UTCDate:    row.UTCDate,
		LocalDate:  row.LocalDate,
		Text:       row.Text,
		Hour:       row.Hour,
		DayOfWeek:  row.DayOfWeek,
		Month:      row.Month,
		WeekOfYear: row.WeekOfYear,
		WordCount:  row.WordCount,
		EmojiCount: row.EmojiCount,
	}

	if row.SenderID.Valid {
		v := row.SenderID.Int64
		r.SenderID = &v
	}
	if row.ReplyToMsgID.Valid {
		v := row.ReplyToMsgID.Int64
		r.ReplyToMsgID = &v
	}
	if row.ForwardCount.Valid {
		v := int(row.ForwardCount.Int64)
		r.ForwardCount = &v
	}
	if row.Views.Valid {
		v := int(row.Views.Int64)
		r.Views = &v
	}
	if row.MediaType.Valid {
		v := row.MediaType.String
		r.MediaType = &v
	}

	if row.ForwardedFrom.Valid {
		r.ForwardedFrom = &ForwardInfo{}
		if err := json.Unmarshal([]byte(row.ForwardedFrom.String), r.ForwardedFrom); err != nil {
			return nil, fmt.Errorf("invalid forwarded_from document: %w", err)
		}
	}
	if row.MediaAttributes.Valid {
		if err := json.Unmarshal([]byte(row.MediaAttributes.String), &r.MediaAttributes); err != nil {
			return nil, fmt.Errorf("invalid media_attributes document: %w", err)
		}
	}
	if row.Entities.Valid {
		if err := json.Unmarshal([]byte(row.Entities.String), &r.Entities); err != nil {
			return nil, fmt.Errorf("invalid entities document: %w", err)
		}
	}
	if row.Reactions.Valid {
		if err := json.Unmarshal([]byte(row.Reactions.String), &r.Reactions); err != nil {
			return nil, fmt.Errorf("invalid reactions document: %w", err)
		}
	}
	return r, nil
}

func marshalNullable(present bool, value any) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal structured attribute: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
