package directory

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/omnihub/internal/platform/db/dbtest"
)

type fixture struct {
	db      *sql.DB
	dir     Directory
	north   uuid.UUID
	south   uuid.UUID
	retired uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sqlDB := dbtest.NewSQLite(t)
	f := &fixture{db: sqlDB, dir: NewSQLite(sqlDB), north: uuid.New(), south: uuid.New(), retired: uuid.New()}

	dbtest.Exec(t, sqlDB, `INSERT INTO branch (id, name, routing_id, active, created_at) VALUES (?, 'North', 'pn-100', 1, 1)`, f.north.String())
	dbtest.Exec(t, sqlDB, `INSERT INTO branch (id, name, routing_id, active, created_at) VALUES (?, 'South', 'pn-200', 1, 2)`, f.south.String())
	dbtest.Exec(t, sqlDB, `INSERT INTO branch (id, name, routing_id, active, created_at) VALUES (?, 'Old', 'pn-300', 0, 0)`, f.retired.String())

	dbtest.Exec(t, sqlDB, `INSERT INTO staff_user (id, full_name, role, active) VALUES ('admin-1', 'Ana Admin', 'admin', 1)`)
	dbtest.Exec(t, sqlDB, `INSERT INTO staff_user (id, full_name, role, active) VALUES ('rec-n', 'Rita North', 'reception', 1)`)
	dbtest.Exec(t, sqlDB, `INSERT INTO staff_user (id, full_name, role, active) VALUES ('rec-s', 'Sara South', 'reception', 1)`)
	dbtest.Exec(t, sqlDB, `INSERT INTO staff_user (id, full_name, role, active) VALUES ('rec-off', 'Olga Off', 'reception', 0)`)
	dbtest.Exec(t, sqlDB, `INSERT INTO staff_user (id, full_name, role, active) VALUES ('doc-n', 'Dario Doc', 'physician', 1)`)

	for _, row := range []struct {
		user   string
		branch uuid.UUID
	}{
		{"rec-n", f.north}, {"rec-n", f.retired}, {"rec-s", f.south}, {"rec-off", f.north}, {"doc-n", f.north},
	} {
		dbtest.Exec(t, sqlDB, `INSERT INTO staff_branch_access (user_id, branch_id) VALUES (?, ?)`, row.user, row.branch.String())
	}
	return f
}

func TestResolveByRoutingID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.dir.ResolveByRoutingID(ctx, "pn-200")
	require.NoError(t, err)
	assert.Equal(t, f.south, id)

	_, err = f.dir.ResolveByRoutingID(ctx, "pn-300")
	assert.ErrorIs(t, err, ErrNotFound, "inactive branches do not route")

	_, err = f.dir.ResolveByRoutingID(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFirstAvailable(t *testing.T) {
	f := newFixture(t)

	id, err := f.dir.FirstAvailable(context.Background())
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, f.north, *id)
}

func TestFirstAvailable_NoBranches(t *testing.T) {
	dir := NewSQLite(dbtest.NewSQLite(t))

	id, err := dir.FirstAvailable(context.Background())
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestBranchAccessFor_SkipsInactiveBranches(t *testing.T) {
	f := newFixture(t)

	ids, err := f.dir.BranchAccessFor(context.Background(), "rec-n")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{f.north}, ids)

	ids, err = f.dir.BranchAccessFor(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestUsersWithRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	all, err := f.dir.UsersWithRoles(ctx, []string{"admin", "reception"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin-1", "rec-n", "rec-s"}, all)

	north, err := f.dir.UsersWithRoles(ctx, []string{"admin", "reception"}, &f.north)
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-n"}, north)

	none, err := f.dir.UsersWithRoles(ctx, nil, &f.north)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLookupByPhone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	older, newer := uuid.New(), uuid.New()
	dbtest.Exec(t, f.db, `INSERT INTO contact (id, full_name, phone, phone_normalized, created_at) VALUES (?, 'Old Name', '+52 555 000 1111', '5550001111', 1)`, older.String())
	dbtest.Exec(t, f.db, `INSERT INTO contact (id, full_name, phone, phone_normalized, created_at) VALUES (?, 'María López', '+52 555 000 1111', '5550001111', 2)`, newer.String())

	c, err := f.dir.LookupByPhone(ctx, "5550001111")
	require.NoError(t, err)
	assert.Equal(t, newer, c.ID)
	assert.Equal(t, "María López", c.FullName)

	_, err = f.dir.LookupByPhone(ctx, "0000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}
