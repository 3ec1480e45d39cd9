package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/facetrack/facetrack/core/attendance"
)

type attendanceRepository struct {
	db *sqlx.DB
}

var _ attendance.Repository = (*attendanceRepository)(nil) // interface compliance check

func NewAttendanceRepository(db *sqlx.DB) *attendanceRepository {
	return &attendanceRepository{db: db}
}

func (repo attendanceRepository) CreateSession(ctx context.Context, sess attendance.Session) (attendance.Session, error) {
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO attendance_session (token, meeting_id, teacher_id, state, method, opened_at, closed_at)
		VALUES (:token, :meeting_id, :teacher_id, :state, :method, :opened_at, :closed_at)`, sess)
	if err != nil {
		return attendance.Session{}, errors.Wrap(err, "inserting session")
	}
	return sess, nil
}

func (repo attendanceRepository) GetSession(ctx context.Context, token string) (attendance.Session, error) {
	var sess attendance.Session
	err := repo.db.GetContext(ctx, &sess, `SELECT * FROM attendance_session WHERE token = $1`, token)
	if err != nil {
		return attendance.Session{}, trapNoRowsErr(err, attendance.ErrSessionNotFound, "getting session")
	}
	return sess, nil
}

func (repo attendanceRepository) GetActiveSessionForMeeting(ctx context.Context, meetingID string) (attendance.Session, error) {
	var sess attendance.Session
	err := repo.db.GetContext(ctx, &sess, `
		SELECT * FROM attendance_session WHERE meeting_id = $1 AND state = $2`,
		meetingID, attendance.StateActive)
	if err != nil {
		return attendance.Session{}, trapNoRowsErr(err, attendance.ErrSessionNotFound, "getting active session")
	}
	return sess, nil
}

func (repo attendanceRepository) HasFinalizedSessionForMeeting(ctx context.Context, meetingID string) (bool, error) {
	var exists bool
	err := repo.db.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM attendance_session WHERE meeting_id = $1 AND state = $2)`,
		meetingID, attendance.StateFinalized)
	if err != nil {
		return false, errors.Wrap(err, "checking finalized session")
	}
	return exists, nil
}

func (repo attendanceRepository) UpdateSession(ctx context.Context, sess attendance.Session) (attendance.Session, error) {
	res, err := repo.db.NamedExecContext(ctx, `
		UPDATE attendance_session SET state = :state, closed_at = :closed_at WHERE token = :token`, sess)
	if err != nil {
		return attendance.Session{}, errors.Wrap(err, "updating session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return attendance.Session{}, attendance.ErrSessionNotFound
	}
	return sess, nil
}

func (repo attendanceRepository) CreatePresence(ctx context.Context, rec attendance.PresenceRecord) (attendance.PresenceRecord, error) {
	rows, err := repo.db.NamedQueryContext(ctx, `
		INSERT INTO presence_record
			(session_token, student_id, status, arrival_time, method, confidence, comment, created_at, last_modified)
		VALUES
			(:session_token, :student_id, :status, :arrival_time, :method, :confidence, :comment, :created_at, :last_modified)
		RETURNING id`, rec)
	if err != nil {
		return attendance.PresenceRecord{}, errors.Wrap(err, "inserting presence record")
	}
	defer func() { _ = rows.Close() }()
	if rows.Next() {
		if err = rows.Scan(&rec.ID); err != nil {
			return attendance.PresenceRecord{}, errors.Wrap(err, "inserting presence record")
		}
	}
	return rec, rows.Err()
}

// MutatePresence runs the read-modify-write inside one transaction. The
// session row is locked FOR SHARE so a finalize (which takes FOR UPDATE)
// cannot flip the state under a check-in, and the presence row is locked
// FOR UPDATE so check-ins from other API instances serialize on it.
func (repo attendanceRepository) MutatePresence(
	ctx context.Context,
	token, studentID string,
	fn attendance.PresenceMutator,
) (attendance.PresenceRecord, error) {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return attendance.PresenceRecord{}, errors.Wrap(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var state string
	err = tx.GetContext(ctx, &state, `
		SELECT state FROM attendance_session WHERE token = $1 FOR SHARE`, token)
	if err != nil {
		return attendance.PresenceRecord{}, trapNoRowsErr(err, attendance.ErrSessionNotFound, "locking session")
	}
	if state != attendance.StateActive {
		return attendance.PresenceRecord{}, attendance.ErrSessionNotActive
	}

	var rec attendance.PresenceRecord
	found := true
	err = tx.GetContext(ctx, &rec, `
		SELECT * FROM presence_record
		WHERE session_token = $1 AND student_id = $2 FOR UPDATE`, token, studentID)
	switch err {
	case nil:
	case sql.ErrNoRows:
		found = false
		rec = attendance.PresenceRecord{}
	default:
		return attendance.PresenceRecord{}, errors.Wrap(err, "locking presence record")
	}

	out, write, err := fn(rec, found)
	if err != nil {
		return attendance.PresenceRecord{}, err
	}
	if !write {
		// nothing to persist; the rollback only releases the locks
		return out, nil
	}

	if found {
		if _, err = tx.NamedExecContext(ctx, `
			UPDATE presence_record
			SET status = :status, arrival_time = :arrival_time, method = :method,
			    confidence = :confidence, comment = :comment, last_modified = :last_modified
			WHERE id = :id`, out); err != nil {
			return attendance.PresenceRecord{}, errors.Wrap(err, "updating presence record")
		}
	} else {
		rows, qErr := sqlx.NamedQueryContext(ctx, tx, `
			INSERT INTO presence_record
				(session_token, student_id, status, arrival_time, method, confidence, comment, created_at, last_modified)
			VALUES
				(:session_token, :student_id, :status, :arrival_time, :method, :confidence, :comment, :created_at, :last_modified)
			RETURNING id`, out)
		if qErr != nil {
			return attendance.PresenceRecord{}, errors.Wrap(qErr, "inserting presence record")
		}
		if rows.Next() {
			if err = rows.Scan(&out.ID); err != nil {
				_ = rows.Close()
				return attendance.PresenceRecord{}, errors.Wrap(err, "inserting presence record")
			}
		}
		_ = rows.Close()
		if err = rows.Err(); err != nil {
			return attendance.PresenceRecord{}, errors.Wrap(err, "inserting presence record")
		}
	}

	if err = tx.Commit(); err != nil {
		return attendance.PresenceRecord{}, errors.Wrap(err, "committing presence transition")
	}
	return out, nil
}

func (repo attendanceRepository) QueryPresences(ctx context.Context, token string) ([]attendance.PresenceRecord, error) {
	records := make([]attendance.PresenceRecord, 0)
	err := repo.db.SelectContext(ctx, &records, `
		SELECT * FROM presence_record WHERE session_token = $1 ORDER BY id`, token)
	if err != nil {
		return nil, errors.Wrap(err, "querying presence records")
	}
	return records, nil
}

func (repo attendanceRepository) QueryPresencesModifiedSince(ctx context.Context, token string, since time.Time) ([]attendance.PresenceRecord, error) {
	records := make([]attendance.PresenceRecord, 0)
	err := repo.db.SelectContext(ctx, &records, `
		SELECT * FROM presence_record
		WHERE session_token = $1 AND last_modified > $2
		ORDER BY last_modified DESC`, token, since)
	if err != nil {
		return nil, errors.Wrap(err, "querying modified presence records")
	}
	return records, nil
}

// FinalizeSession flips the session, inserts the materialized absences and
// upserts the history batch in one transaction. Either everything lands or
// the session stays Active.
func (repo attendanceRepository) FinalizeSession(
	ctx context.Context,
	sess attendance.Session,
	created []attendance.PresenceRecord,
	entries []attendance.HistoryEntry,
) (attendance.Session, error) {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return attendance.Session{}, errors.Wrap(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	// guard the flip against a concurrent finalize from another process
	var state string
	err = tx.GetContext(ctx, &state, `
		SELECT state FROM attendance_session WHERE token = $1 FOR UPDATE`, sess.Token)
	if err != nil {
		return attendance.Session{}, trapNoRowsErr(err, attendance.ErrSessionNotFound, "locking session")
	}
	if state != attendance.StateActive {
		return attendance.Session{}, attendance.ErrAlreadyTerminal
	}

	if _, err = tx.NamedExecContext(ctx, `
		UPDATE attendance_session SET state = :state, closed_at = :closed_at WHERE token = :token`, sess); err != nil {
		return attendance.Session{}, errors.Wrap(err, "finalizing session")
	}

	for _, rec := range created {
		if _, err = tx.NamedExecContext(ctx, `
			INSERT INTO presence_record
				(session_token, student_id, status, arrival_time, method, confidence, comment, created_at, last_modified)
			VALUES
				(:session_token, :student_id, :status, :arrival_time, :method, :confidence, :comment, :created_at, :last_modified)
			ON CONFLICT (session_token, student_id) DO NOTHING`, rec); err != nil {
			return attendance.Session{}, errors.Wrap(err, "materializing absences")
		}
	}

	for _, entry := range entries {
		if _, err = tx.NamedExecContext(ctx, `
			INSERT INTO attendance_history
				(student_id, meeting_id, date, status, arrival_time, method, comment, created_at)
			VALUES
				(:student_id, :meeting_id, :date, :status, :arrival_time, :method, :comment, :created_at)
			ON CONFLICT (student_id, meeting_id, date) DO UPDATE
			SET status = EXCLUDED.status, arrival_time = EXCLUDED.arrival_time,
			    method = EXCLUDED.method, comment = EXCLUDED.comment`, entry); err != nil {
			return attendance.Session{}, errors.Wrap(err, "archiving history")
		}
	}

	if err = tx.Commit(); err != nil {
		return attendance.Session{}, errors.Wrap(err, "committing finalize")
	}
	return sess, nil
}

func (repo attendanceRepository) QueryHistory(ctx context.Context, filter attendance.HistoryFilter) ([]attendance.HistoryEntry, error) {
	q := `SELECT * FROM attendance_history WHERE 1=1`
	args := make([]interface{}, 0, 4)
	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		q += ` AND student_id = ` + placeholder(len(args))
	}
	if filter.MeetingID != "" {
		args = append(args, filter.MeetingID)
		q += ` AND meeting_id = ` + placeholder(len(args))
	}
	if !filter.DateFrom.IsZero() {
		args = append(args, filter.DateFrom)
		q += ` AND date >= ` + placeholder(len(args))
	}
	if !filter.DateTo.IsZero() {
		args = append(args, filter.DateTo)
		q += ` AND date <= ` + placeholder(len(args))
	}
	q += ` ORDER BY date DESC, id DESC`

	entries := make([]attendance.HistoryEntry, 0)
	if err := repo.db.SelectContext(ctx, &entries, q, args...); err != nil {
		return nil, errors.Wrap(err, "querying history")
	}
	return entries, nil
}

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}
