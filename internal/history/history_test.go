package history

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-mig/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-mig/internal/mig"
	"github.com/nerrad567/gray-logic-mig/migrations"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(context.Background(), database.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate(context.Background(), migrations.FS))
	return db.DB
}

func notification(address, property string, value any, ts time.Time) mig.Notification {
	n := mig.PropertyChanged(mig.DomainX10, address, "X10 Module", property, value)
	n.Timestamp = ts
	return n
}

func TestPropertyRepository_RecordAndHistory(t *testing.T) {
	repo := NewSQLitePropertyRepository(setupTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Record(ctx, notification("A1", mig.PropStatusLevel, 0.4, base)))
	require.NoError(t, repo.Record(ctx, notification("A1", mig.PropStatusLevel, 0.0, base.Add(time.Second))))
	require.NoError(t, repo.Record(ctx, notification("A1", mig.PropSensorKey, "ArmAway", base.Add(2*time.Second))))
	require.NoError(t, repo.Record(ctx, notification("A2", mig.PropStatusLevel, 1.0, base)))
	// Module list changes are not property history.
	require.NoError(t, repo.Record(ctx, mig.ModulesChanged(mig.DomainX10)))

	events, err := repo.History(ctx, PropertyQuery{Domain: mig.DomainX10, Address: "A1"})
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, "ArmAway", events[0].Value)
	assert.Equal(t, 0.0, events[1].Value)
	assert.Equal(t, 0.4, events[2].Value)
	assert.Equal(t, base, events[2].CreatedAt)
	assert.Equal(t, "X10 Module", events[2].Description)

	levels, err := repo.History(ctx, PropertyQuery{Domain: mig.DomainX10, Address: "A1", Property: mig.PropStatusLevel, Limit: 1})
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, 0.0, levels[0].Value)

	none, err := repo.History(ctx, PropertyQuery{Domain: mig.DomainZigBee, Address: "A1"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPropertyRepository_Validation(t *testing.T) {
	repo := NewSQLitePropertyRepository(setupTestDB(t))
	ctx := context.Background()

	_, err := repo.History(ctx, PropertyQuery{Domain: mig.DomainX10})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	err = repo.Record(ctx, mig.Notification{Kind: mig.KindPropertyChanged, Domain: mig.DomainX10})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = repo.Prune(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidRetention)
}

func TestPropertyRepository_LimitClamp(t *testing.T) {
	repo := NewSQLitePropertyRepository(setupTestDB(t))
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := range MaxLimit + 10 {
		require.NoError(t, repo.Record(ctx, notification("A1", mig.PropStatusLevel, float64(i), base.Add(time.Duration(i)*time.Millisecond))))
	}

	events, err := repo.History(ctx, PropertyQuery{Domain: mig.DomainX10, Address: "A1"})
	require.NoError(t, err)
	assert.Len(t, events, DefaultLimit)

	events, err = repo.History(ctx, PropertyQuery{Domain: mig.DomainX10, Address: "A1", Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, events, MaxLimit)
	assert.Equal(t, float64(MaxLimit+9), events[0].Value)
}

func TestPropertyRepository_Prune(t *testing.T) {
	repo := NewSQLitePropertyRepository(setupTestDB(t))
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Record(ctx, notification("A1", mig.PropStatusLevel, 1.0, now.Add(-48*time.Hour))))
	require.NoError(t, repo.Record(ctx, notification("A1", mig.PropStatusLevel, 0.5, now.Add(-25*time.Hour))))
	require.NoError(t, repo.Record(ctx, notification("A1", mig.PropStatusLevel, 0.0, now)))

	deleted, err := repo.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	events, err := repo.History(ctx, PropertyQuery{Domain: mig.DomainX10, Address: "A1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 0.0, events[0].Value)
}

func TestCommandRepository_CreateAndList(t *testing.T) {
	repo := NewSQLiteCommandRepository(setupTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := &CommandEntry{
		Domain: mig.DomainX10, Address: "A1", Command: mig.CmdControlLevel, Options: []string{"40"},
		Source: SourceAPI, Status: mig.StatusOk, CreatedAt: base,
	}
	require.NoError(t, repo.Create(ctx, first))
	assert.Len(t, first.ID, 36, "uuid assigned")

	require.NoError(t, repo.Create(ctx, &CommandEntry{
		Domain: mig.DomainX10, Address: "B7", Command: mig.CmdControlOn,
		Status: mig.StatusError, Message: "unknown module: B7", CreatedAt: base.Add(time.Minute),
	}))
	require.NoError(t, repo.Create(ctx, &CommandEntry{
		Domain: mig.DomainZigBee, Address: "0", Command: "Controller.NodeAdd", Status: mig.StatusOk,
	}))

	all, err := repo.List(ctx, CommandFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)
	assert.Equal(t, DefaultLimit, all.Limit)
	require.Len(t, all.Entries, 3)
	assert.Equal(t, mig.DomainZigBee, all.Entries[0].Domain, "newest first")

	x10, err := repo.List(ctx, CommandFilter{Domain: mig.DomainX10, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, x10.Total)
	require.Len(t, x10.Entries, 1)
	got := x10.Entries[0]
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, []string{"40"}, got.Options)
	assert.Equal(t, SourceAPI, got.Source)
	assert.Equal(t, base, got.CreatedAt)

	b7, err := repo.List(ctx, CommandFilter{Domain: mig.DomainX10, Address: "B7"})
	require.NoError(t, err)
	require.Len(t, b7.Entries, 1)
	assert.Equal(t, SourceMQTT, b7.Entries[0].Source, "default source")
	assert.Equal(t, "unknown module: B7", b7.Entries[0].Message)
	assert.Nil(t, b7.Entries[0].Options)

	empty, err := repo.List(ctx, CommandFilter{Domain: "HomeAutomation.Insteon"})
	require.NoError(t, err)
	assert.NotNil(t, empty.Entries)
	assert.Empty(t, empty.Entries)

	assert.ErrorIs(t, repo.Create(ctx, &CommandEntry{Domain: mig.DomainX10}), ErrInvalidQuery)
}

func TestParseTime(t *testing.T) {
	for _, in := range []string{"2026-03-01T12:00:00.000Z", "2026-03-01T12:00:00Z", "2026-03-01T13:00:00+01:00"} {
		got, err := parseTime(in)
		require.NoError(t, err, in)
		assert.True(t, got.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)), in)
	}
	_, err := parseTime("")
	assert.Error(t, err)
	_, err = parseTime("yesterday")
	assert.Error(t, err)
}
