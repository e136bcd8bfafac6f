package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/sqlease/pkg/dberr"
	"github.com/joao-brasil/sqlease/pkg/rewrite"
)

const updateAge = "UPDATE cat SET age = ? WHERE name = ?"

func acquire(t *testing.T, p *Pool) *Lease {
	t.Helper()
	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	return l
}

func TestCommitOnce(t *testing.T) {
	ctx := context.Background()
	p, o := newMockPool(t, testSettings())
	l := acquire(t, p)
	mock := o.mocks[0]

	mock.ExpectBegin()
	mock.ExpectExec(updateAge).WithArgs(int64(3), "tom").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := l.Exec(ctx, updateAge, rewrite.Positional(int64(3), "tom"))
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, l.Commit())
	assert.True(t, l.Finalized())

	assert.True(t, dberr.IsIllegalState(l.Commit()))
	assert.True(t, dberr.IsIllegalState(l.Rollback()))
	_, err = l.Exec(ctx, updateAge, rewrite.Positional(int64(4), "tom"))
	assert.True(t, dberr.IsIllegalState(err))

	require.NoError(t, l.Release())
	assert.True(t, l.Closed())
	assert.Equal(t, dberr.KindConnectionUnavailable, dberr.KindOf(l.Release()))
	assert.Equal(t, dberr.KindConnectionUnavailable, dberr.KindOf(l.Commit()))
	_, err = l.Query(ctx, "SELECT 1", rewrite.Params{})
	assert.Equal(t, dberr.KindConnectionUnavailable, dberr.KindOf(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseBeforeFinalize(t *testing.T) {
	p, _ := newMockPool(t, testSettings())
	l := acquire(t, p)

	assert.True(t, dberr.IsIllegalState(l.Release()))
	assert.Equal(t, 1, p.Stats().Leased)
	finish(t, l)
}

func TestRollbackWithoutStatements(t *testing.T) {
	p, o := newMockPool(t, testSettings())
	l := acquire(t, p)

	// Nothing ran, so no transaction was ever opened.
	require.NoError(t, l.Rollback())
	require.NoError(t, l.Release())
	require.NoError(t, o.mocks[0].ExpectationsWereMet())
}

func TestUseCommits(t *testing.T) {
	ctx := context.Background()
	p, o := newMockPool(t, testSettings())
	warm := acquire(t, p)
	finish(t, warm)
	mock := o.mocks[0]

	expectProbe(mock)
	mock.ExpectBegin()
	mock.ExpectExec(updateAge).WithArgs(int64(5), "kit").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := p.Use(ctx, func(l *Lease) error {
		_, err := l.Exec(ctx, updateAge, rewrite.Positional(int64(5), "kit"))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{Name: "test", Leased: 0, Idle: 1, Max: 0, MaxPooled: 4}, p.Stats())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUseRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	p, o := newMockPool(t, testSettings())
	l := acquire(t, p)
	mock := o.mocks[0]

	mock.ExpectBegin()
	mock.ExpectExec(updateAge).WithArgs(int64(5), "kit").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	cause := errors.New("validation failed")
	err := l.Use(func(l *Lease) error {
		if _, err := l.Exec(ctx, updateAge, rewrite.Positional(int64(5), "kit")); err != nil {
			return err
		}
		return cause
	})
	assert.Same(t, cause, err)
	assert.True(t, l.Closed())
	assert.Equal(t, 0, p.Stats().Leased)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUseRollbackFailure(t *testing.T) {
	ctx := context.Background()
	p, o := newMockPool(t, testSettings())
	l := acquire(t, p)
	mock := o.mocks[0]

	mock.ExpectBegin()
	mock.ExpectExec(updateAge).WithArgs(int64(5), "kit").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback().WillReturnError(errors.New("connection reset by peer"))

	cause := errors.New("validation failed")
	err := l.Use(func(l *Lease) error {
		if _, err := l.Exec(ctx, updateAge, rewrite.Positional(int64(5), "kit")); err != nil {
			return err
		}
		return cause
	})
	require.Error(t, err)
	assert.Equal(t, dberr.KindConnectionUnavailable, dberr.KindOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset by peer")
	assert.True(t, l.Closed())
}

func TestUseRethrowsPanic(t *testing.T) {
	ctx := context.Background()
	p, o := newMockPool(t, testSettings())
	l := acquire(t, p)
	mock := o.mocks[0]

	mock.ExpectBegin()
	mock.ExpectExec(updateAge).WithArgs(int64(5), "kit").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	assert.PanicsWithValue(t, "boom", func() {
		_ = l.Use(func(l *Lease) error {
			_, _ = l.Exec(ctx, updateAge, rewrite.Positional(int64(5), "kit"))
			panic("boom")
		})
	})
	assert.True(t, l.Closed())
	assert.Equal(t, 0, p.Stats().Leased)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUseHonoursExplicitRollback(t *testing.T) {
	ctx := context.Background()
	p, o := newMockPool(t, testSettings())
	l := acquire(t, p)
	mock := o.mocks[0]

	mock.ExpectBegin()
	mock.ExpectExec(updateAge).WithArgs(int64(5), "kit").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := l.Use(func(l *Lease) error {
		if _, err := l.Exec(ctx, updateAge, rewrite.Positional(int64(5), "kit")); err != nil {
			return err
		}
		return l.Rollback()
	})
	require.NoError(t, err)
	assert.True(t, l.Closed())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUseCommitFailureReleases(t *testing.T) {
	ctx := context.Background()
	p, o := newMockPool(t, testSettings())
	l := acquire(t, p)
	mock := o.mocks[0]

	mock.ExpectBegin()
	mock.ExpectExec(updateAge).WithArgs(int64(5), "kit").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("deadlock detected"))

	err := l.Use(func(l *Lease) error {
		_, err := l.Exec(ctx, updateAge, rewrite.Positional(int64(5), "kit"))
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadlock detected")
	assert.True(t, l.Closed())
	assert.Equal(t, 0, p.Stats().Leased)
}

func TestQueryExpandsNamedList(t *testing.T) {
	ctx := context.Background()
	p, o := newMockPool(t, testSettings())
	l := acquire(t, p)
	mock := o.mocks[0]

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT name, age FROM cat WHERE name IN (?, ?) AND age > ?").
		WithArgs("tom", "kit", int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"name", "age"}).
			AddRow("tom", int64(3)).
			AddRow("kit", int64(4)))
	mock.ExpectRollback()

	rows, err := l.Query(ctx, "SELECT name, age FROM cat WHERE name IN (:names) AND age > ?",
		rewrite.Positional(int64(2)).With("names", []string{"tom", "kit"}))
	require.NoError(t, err)
	all, err := rows.All()
	require.NoError(t, err)
	require.Len(t, all, 2)

	name, ok := all[1].Column(HintString, "", "name")
	require.True(t, ok)
	assert.Equal(t, "kit", name)
	age, ok := all[1].Column(HintInt32, "", "age")
	require.True(t, ok)
	assert.Equal(t, int32(4), age)
	_, ok = all[1].Column(HintObject, "", "color")
	assert.False(t, ok)

	finish(t, l)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUnboundParameter(t *testing.T) {
	ctx := context.Background()
	p, o := newMockPool(t, testSettings())
	l := acquire(t, p)
	o.mocks[0].ExpectBegin()
	o.mocks[0].ExpectRollback()

	_, err := l.Exec(ctx, "DELETE FROM cat WHERE name = :name", rewrite.Params{})
	assert.Equal(t, dberr.KindParameterMapping, dberr.KindOf(err))
	finish(t, l)
}

func TestExecBatch(t *testing.T) {
	ctx := context.Background()
	p, o := newMockPool(t, testSettings())
	l := acquire(t, p)
	mock := o.mocks[0]

	const insert = "INSERT INTO cat (name, age) VALUES (?, ?)"
	mock.ExpectBegin()
	prep := mock.ExpectPrepare(insert)
	prep.ExpectExec().WithArgs("tom", int64(3)).WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs("kit", int64(1)).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	n, err := l.ExecBatch(ctx, "INSERT INTO cat (name, age) VALUES (:name, :age)", []rewrite.Params{
		rewrite.NamedParams(map[string]any{"name": "tom", "age": int64(3)}),
		rewrite.NamedParams(map[string]any{"name": "kit", "age": int64(1)}),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = l.ExecBatch(ctx, insert, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, l.Commit())
	require.NoError(t, l.Release())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecBatchRejectsDifferentShapes(t *testing.T) {
	ctx := context.Background()
	p, o := newMockPool(t, testSettings())
	l := acquire(t, p)
	mock := o.mocks[0]

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("DELETE FROM cat WHERE name IN (?)")
	prep.ExpectExec().WithArgs("tom").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	n, err := l.ExecBatch(ctx, "DELETE FROM cat WHERE name IN (:names)", []rewrite.Params{
		rewrite.Params{}.With("names", []string{"tom"}),
		rewrite.Params{}.With("names", []string{"kit", "max"}),
	})
	assert.Equal(t, dberr.KindIllegalArgument, dberr.KindOf(err))
	assert.Equal(t, int64(1), n)

	finish(t, l)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefResolvesOnceThroughLease(t *testing.T) {
	ctx := context.Background()
	p, o := newMockPool(t, testSettings(), WithSchema(testSchema(t)))
	l := acquire(t, p)
	mock := o.mocks[0]

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT "id", "name" FROM "owner" WHERE "id" = ?`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(7), "Ann"))
	mock.ExpectQuery(`SELECT "id", "name" FROM "owner" WHERE "id" = ?`).
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}))
	mock.ExpectRollback()

	ref := Lazy[owner](7, l)
	assert.False(t, ref.Loaded())
	o1, err := ref.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, &owner{ID: 7, Name: "Ann"}, o1)
	assert.True(t, ref.Loaded())

	// Neither the loaded ref nor the entity cache goes back to the database.
	o2, err := ref.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, o1, o2)
	o3, err := Find[owner](ctx, l, int64(7))
	require.NoError(t, err)
	assert.Equal(t, "Ann", o3.Name)

	missing := Lazy[owner](int64(8), l)
	_, err = missing.Get(ctx)
	assert.True(t, dberr.IsNotFound(err))

	finish(t, l)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefStates(t *testing.T) {
	ctx := context.Background()

	empty := Empty[owner]()
	assert.True(t, empty.IsEmpty())
	assert.Nil(t, empty.Key())
	_, err := empty.Get(ctx)
	assert.True(t, dberr.IsNotFound(err))
	assert.Equal(t, "Ref[owner](empty)", empty.String())

	ann := &owner{ID: 3, Name: "Ann"}
	def := Defined(ann)
	assert.True(t, def.Loaded())
	assert.False(t, def.IsEmpty())
	got, err := def.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, ann, got)
	assert.Nil(t, def.Key())
	key, err := def.KeyIn(testSchema(t))
	require.NoError(t, err)
	assert.Equal(t, int64(3), key)
	_, err = def.KeyIn(NewSchema(nil))
	assert.Equal(t, dberr.KindMapping, dberr.KindOf(err))

	dangling := Lazy[owner](nil, nil)
	_, err = dangling.Get(ctx)
	assert.Equal(t, dberr.KindIllegalArgument, dberr.KindOf(err))
	assert.Equal(t, "Ref[owner](42)", Lazy[owner](42, nil).String())
}
