package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Command sources.
const (
	SourceMQTT = "mqtt"
	SourceAPI  = "api"
)

// CommandEntry is one executed command and its outcome.
type CommandEntry struct {
	ID        string    `json:"id"`
	Domain    string    `json:"domain"`
	Address   string    `json:"address"`
	Command   string    `json:"command"`
	Options   []string  `json:"options,omitempty"`
	Source    string    `json:"source"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CommandFilter controls which entries List returns.
type CommandFilter struct {
	Domain  string // optional
	Address string // optional, only with Domain
	Limit   int    // default 50, max 200
	Offset  int
}

// CommandList is one page of command log entries.
type CommandList struct {
	Entries []CommandEntry `json:"entries"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

// CommandRepository stores the command log.
type CommandRepository interface {
	Create(ctx context.Context, entry *CommandEntry) error
	List(ctx context.Context, filter CommandFilter) (*CommandList, error)
}

// SQLiteCommandRepository implements CommandRepository on command_log.
type SQLiteCommandRepository struct {
	db *sql.DB
}

var _ CommandRepository = (*SQLiteCommandRepository)(nil)

// NewSQLiteCommandRepository creates a repository on an open database.
func NewSQLiteCommandRepository(db *sql.DB) *SQLiteCommandRepository {
	return &SQLiteCommandRepository{db: db}
}

// Create inserts an entry. ID and CreatedAt are filled in when empty.
func (r *SQLiteCommandRepository) Create(ctx context.Context, entry *CommandEntry) error {
	if entry.Domain == "" || entry.Command == "" {
		return fmt.Errorf("%w: domain and command are required", ErrInvalidQuery)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Source == "" {
		entry.Source = SourceMQTT
	}

	var options *string
	if len(entry.Options) > 0 {
		b, err := json.Marshal(entry.Options)
		if err != nil {
			return fmt.Errorf("marshalling options: %w", err)
		}
		s := string(b)
		options = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_log (id, domain, address, command, options, source, status, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Domain, entry.Address, entry.Command, options,
		entry.Source, entry.Status, nullableString(entry.Message), formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting command log entry: %w", err)
	}
	return nil
}

// List returns entries newest first.
func (r *SQLiteCommandRepository) List(ctx context.Context, filter CommandFilter) (*CommandList, error) {
	filter.Limit = clampLimit(filter.Limit)
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Domain != "" {
		conditions = append(conditions, "domain = ?")
		args = append(args, filter.Domain)
		if filter.Address != "" {
			conditions = append(conditions, "address = ?")
			args = append(args, filter.Address)
		}
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM command_log " + where //nolint:gosec // WHERE built from fixed parameterised conditions
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting command log: %w", err)
	}

	query := "SELECT id, domain, address, command, options, source, status, message, created_at FROM command_log " + //nolint:gosec // as above
		where + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying command log: %w", err)
	}
	defer rows.Close()

	entries := []CommandEntry{}
	for rows.Next() {
		var e CommandEntry
		var options, message sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Domain, &e.Address, &e.Command, &options,
			&e.Source, &e.Status, &message, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning command log entry: %w", err)
		}
		if options.Valid && options.String != "" {
			if err := json.Unmarshal([]byte(options.String), &e.Options); err != nil {
				return nil, fmt.Errorf("unmarshalling options of %s: %w", e.ID, err)
			}
		}
		e.Message = message.String
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command log: %w", err)
	}

	return &CommandList{Entries: entries, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
