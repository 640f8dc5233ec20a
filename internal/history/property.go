package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-mig/internal/mig"
)

// Page sizes for history queries.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// PropertyEvent is one stored property notification.
type PropertyEvent struct {
	ID          int64     `json:"id"`
	Domain      string    `json:"domain"`
	Address     string    `json:"address"`
	Description string    `json:"description,omitempty"`
	Property    string    `json:"property"`
	Value       any       `json:"value"`
	CreatedAt   time.Time `json:"created_at"`
}

// PropertyQuery selects the history of one module.
type PropertyQuery struct {
	Domain  string
	Address string
	// Property optionally narrows the result to one property path.
	Property string
	// Limit defaults to 50 and is capped at 200.
	Limit int
}

// PropertyRepository stores property notifications.
type PropertyRepository interface {
	Record(ctx context.Context, n mig.Notification) error
	History(ctx context.Context, q PropertyQuery) ([]PropertyEvent, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SQLitePropertyRepository implements PropertyRepository on the
// property_events table. Values are stored as JSON.
type SQLitePropertyRepository struct {
	db *sql.DB
}

var _ PropertyRepository = (*SQLitePropertyRepository)(nil)

// NewSQLitePropertyRepository creates a repository on an open database.
func NewSQLitePropertyRepository(db *sql.DB) *SQLitePropertyRepository {
	return &SQLitePropertyRepository{db: db}
}

// Record stores a property notification. Other notification kinds are ignored.
func (r *SQLitePropertyRepository) Record(ctx context.Context, n mig.Notification) error {
	if n.Kind != mig.KindPropertyChanged {
		return nil
	}
	if n.Domain == "" || n.Address == "" || n.Property == "" {
		return fmt.Errorf("%w: domain, address and property are required", ErrInvalidQuery)
	}

	value, err := json.Marshal(n.Value)
	if err != nil {
		return fmt.Errorf("marshalling value: %w", err)
	}
	ts := n.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO property_events (domain, address, description, property, value, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		n.Domain, n.Address, n.Description, n.Property, string(value), formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("inserting property event: %w", err)
	}
	return nil
}

// History returns the newest events of a module first.
func (r *SQLitePropertyRepository) History(ctx context.Context, q PropertyQuery) ([]PropertyEvent, error) {
	if q.Domain == "" || q.Address == "" {
		return nil, fmt.Errorf("%w: domain and address are required", ErrInvalidQuery)
	}
	limit := clampLimit(q.Limit)

	query := `SELECT id, domain, address, description, property, value, created_at
		 FROM property_events
		 WHERE domain = ? AND address = ?`
	args := []any{q.Domain, q.Address}
	if q.Property != "" {
		query += " AND property = ?"
		args = append(args, q.Property)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying property events: %w", err)
	}
	defer rows.Close()

	events := make([]PropertyEvent, 0, limit)
	for rows.Next() {
		var e PropertyEvent
		var value, createdAt string
		if err := rows.Scan(&e.ID, &e.Domain, &e.Address, &e.Description, &e.Property, &value, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning property event: %w", err)
		}
		if err := json.Unmarshal([]byte(value), &e.Value); err != nil {
			return nil, fmt.Errorf("unmarshalling value of event %d: %w", e.ID, err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating property events: %w", err)
	}
	return events, nil
}

// Prune deletes events older than olderThan and returns how many went.
func (r *SQLitePropertyRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, ErrInvalidRetention
	}

	cutoff := formatTime(time.Now().Add(-olderThan))
	result, err := r.db.ExecContext(ctx, "DELETE FROM property_events WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting property events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
