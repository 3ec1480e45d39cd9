package inmemdb_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"github.com/facetrack/facetrack/core/attendance"
	inmemdb "github.com/facetrack/facetrack/storage/database/inmem"
)

func seedSession(t *testing.T, repo attendance.Repository) attendance.Session {
	t.Helper()
	sess, err := repo.CreateSession(context.Background(), attendance.Session{
		Token:     "tok",
		MeetingID: "mtg",
		TeacherID: "tchr",
		State:     attendance.StateActive,
		Method:    attendance.MethodMixed,
		OpenedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	return sess
}

func TestAttendanceRepository_MutatePresence(t *testing.T) {
	ctx := context.Background()
	repo := inmemdb.NewAttendanceRepository(inmemdb.NewDB())
	sess := seedSession(t, repo)
	now := time.Now().UTC()

	// first touch creates the record
	rec, err := repo.MutatePresence(ctx, sess.Token, "std-1", func(rec attendance.PresenceRecord, found bool) (attendance.PresenceRecord, bool, error) {
		require.False(t, found)
		return attendance.PresenceRecord{
			SessionToken: sess.Token,
			StudentID:    "std-1",
			Status:       attendance.StatusPresent,
			Method:       attendance.MethodScan,
			ArrivalTime:  null.TimeFrom(now),
			CreatedAt:    now,
			LastModified: now,
		}, true, nil
	})
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)

	// the stored record is handed back on the next mutation
	rec, err = repo.MutatePresence(ctx, sess.Token, "std-1", func(rec attendance.PresenceRecord, found bool) (attendance.PresenceRecord, bool, error) {
		require.True(t, found)
		require.Equal(t, attendance.StatusPresent, rec.Status)
		rec.Status = attendance.StatusLate
		rec.LastModified = now.Add(time.Minute)
		return rec, true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusLate, rec.Status)

	// write=false leaves the ledger untouched
	_, err = repo.MutatePresence(ctx, sess.Token, "std-1", func(rec attendance.PresenceRecord, found bool) (attendance.PresenceRecord, bool, error) {
		rec.Status = attendance.StatusAbsent
		return rec, false, nil
	})
	require.NoError(t, err)

	records, err := repo.QueryPresences(ctx, sess.Token)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, attendance.StatusLate, records[0].Status)
}

func TestAttendanceRepository_MutatePresence_sessionGuards(t *testing.T) {
	ctx := context.Background()
	repo := inmemdb.NewAttendanceRepository(inmemdb.NewDB())

	noop := func(rec attendance.PresenceRecord, found bool) (attendance.PresenceRecord, bool, error) {
		t.Fatal("mutator must not run without an active session")
		return rec, false, nil
	}

	_, err := repo.MutatePresence(ctx, "no-such-token", "std-1", noop)
	assert.Equal(t, attendance.ErrSessionNotFound, err)

	// a terminal session rejects the write before the mutator runs, which is
	// what stops a check-in from landing after the history snapshot
	sess := seedSession(t, repo)
	sess.State = attendance.StateCancelled
	sess.ClosedAt = null.TimeFrom(time.Now().UTC())
	_, err = repo.UpdateSession(ctx, sess)
	require.NoError(t, err)

	_, err = repo.MutatePresence(ctx, sess.Token, "std-1", noop)
	assert.Equal(t, attendance.ErrSessionNotActive, err)
}
