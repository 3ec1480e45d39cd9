package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/facetrack/facetrack/core/school"
)

var (
	NowFunc = time.Now // mockable

	// validation errors: rejected before any mutation
	ErrRosterMismatch  = errors.New("student is not enrolled in this meeting's class")
	ErrSessionMismatch = errors.New("check-in link does not match this roll-call session")
	ErrNotOwner        = errors.New("only the session's teacher may do this")

	// state errors: the client's view is stale
	ErrSessionNotFound   = errors.New("roll-call session not found")
	ErrSessionNotActive  = errors.New("roll-call session is no longer active")
	ErrAlreadyTerminal   = errors.New("roll-call session is already finalized or cancelled")
	ErrNotScheduledToday = errors.New("meeting is not scheduled for today")
	ErrAlreadyFinalized  = errors.New("roll call was already finalized for this meeting")
)

// ArchiveError wraps a failure to atomically persist the history batch at
// finalize time. The session stays Active when it occurs.
type ArchiveError struct {
	Err error
}

func (e *ArchiveError) Error() string { return "archiving session history: " + e.Err.Error() }

func IsArchiveFailure(err error) bool {
	_, ok := errors.Cause(err).(*ArchiveError)
	return ok
}

// PresenceMutator is the read-modify-write step MutatePresence runs while
// holding the presence row lock.
type PresenceMutator func(rec PresenceRecord, found bool) (out PresenceRecord, write bool, err error)

type (
	// Repository is the persistence boundary of the presence ledger.
	Repository interface {
		CreateSession(ctx context.Context, sess Session) (Session, error)
		GetSession(ctx context.Context, token string) (Session, error)
		// GetActiveSessionForMeeting returns ErrSessionNotFound when the
		// meeting has no Active session.
		GetActiveSessionForMeeting(ctx context.Context, meetingID string) (Session, error)
		HasFinalizedSessionForMeeting(ctx context.Context, meetingID string) (bool, error)
		UpdateSession(ctx context.Context, sess Session) (Session, error)

		CreatePresence(ctx context.Context, rec PresenceRecord) (PresenceRecord, error)
		// MutatePresence runs fn over the student's record inside one
		// transaction, holding a shared lock on the session row and an
		// exclusive lock on the presence row, so writers in other
		// processes serialize too. found is false when the student has no
		// record yet; fn returns the record to persist, or write=false to
		// leave the ledger untouched. Returns ErrSessionNotActive when
		// the locked session row is no longer Active.
		MutatePresence(ctx context.Context, token, studentID string, fn PresenceMutator) (PresenceRecord, error)
		QueryPresences(ctx context.Context, token string) ([]PresenceRecord, error)
		// QueryPresencesModifiedSince returns records with LastModified
		// strictly after since, newest first.
		QueryPresencesModifiedSince(ctx context.Context, token string, since time.Time) ([]PresenceRecord, error)

		// FinalizeSession persists the finalized session, the materialized
		// absent records and the history batch in one atomic unit.
		FinalizeSession(ctx context.Context, sess Session, created []PresenceRecord, entries []HistoryEntry) (Session, error)

		QueryHistory(ctx context.Context, filter HistoryFilter) ([]HistoryEntry, error)
	}

	// Service is the session engine: the single authoritative place where
	// presence transitions are validated and applied.
	Service struct {
		repo       Repository
		school     *school.Service
		dispatcher Dispatcher
		locks      *lockTable
	}
)

func NewService(repo Repository, schoolSvc *school.Service, dispatcher Dispatcher) *Service {
	return &Service{
		repo:       repo,
		school:     schoolSvc,
		dispatcher: dispatcher,
		locks:      newLockTable(),
	}
}

// OpenSession starts roll call for a meeting scheduled today. It is
// idempotent: if an Active session already exists for the meeting it is
// returned unchanged instead of creating a duplicate.
func (svc *Service) OpenSession(ctx context.Context, meetingID, teacherID string) (Session, error) {
	mtg, err := svc.school.GetMeeting(ctx, meetingID)
	if err != nil {
		return Session{}, err
	}
	if !mtg.IsScheduledOn(NowFunc()) {
		return Session{}, ErrNotScheduledToday
	}

	// serialize opens per process so two teachers' devices racing the same
	// meeting converge on one session
	sl := svc.locks.forSession("open:" + meetingID)
	sl.barrier.Lock()
	defer sl.barrier.Unlock()

	if sess, err := svc.repo.GetActiveSessionForMeeting(ctx, meetingID); err == nil {
		return sess, nil
	} else if errors.Cause(err) != ErrSessionNotFound {
		return Session{}, err
	}

	finalized, err := svc.repo.HasFinalizedSessionForMeeting(ctx, meetingID)
	if err != nil {
		return Session{}, err
	}
	if finalized {
		return Session{}, ErrAlreadyFinalized
	}

	now := NowFunc().UTC()
	sess := Session{
		Token:     uuid.New().String(),
		MeetingID: meetingID,
		TeacherID: teacherID,
		State:     StateActive,
		Method:    MethodMixed,
		OpenedAt:  now,
	}
	sess, err = svc.repo.CreateSession(ctx, sess)
	if err != nil {
		return Session{}, err
	}

	// seed the roster as absent so the dashboard shows the full class from
	// the first poll; FinalizeSession re-materializes anyway, so a partial
	// seed cannot lose students
	roster, err := svc.school.ListEnrolled(ctx, mtg)
	if err != nil {
		return Session{}, errors.Wrap(err, "listing enrolled students")
	}
	for _, std := range roster {
		rec := PresenceRecord{
			SessionToken: sess.Token,
			StudentID:    std.ID,
			Status:       StatusAbsent,
			Method:       MethodManual,
			CreatedAt:    now,
			LastModified: now,
		}
		if _, err = svc.repo.CreatePresence(ctx, rec); err != nil {
			return Session{}, errors.Wrap(err, "seeding presence records")
		}
	}
	return sess, nil
}

func (svc *Service) GetSession(ctx context.Context, token string) (Session, error) {
	return svc.repo.GetSession(ctx, token)
}

func (svc *Service) ListPresences(ctx context.Context, token string) ([]PresenceRecord, error) {
	if _, err := svc.repo.GetSession(ctx, token); err != nil {
		return nil, err
	}
	return svc.repo.QueryPresences(ctx, token)
}

// ApplyCheckIn validates a normalized check-in event and applies it to the
// presence ledger. Same-student calls are serialized; a duplicate request
// for the student's current status is an AlreadyRecorded success and
// mutates nothing.
func (svc *Service) ApplyCheckIn(ctx context.Context, token string, ev CheckinEvent) (CheckinResult, error) {
	sess, err := svc.repo.GetSession(ctx, token)
	if err != nil {
		return CheckinResult{}, err
	}

	sl := svc.locks.forSession(token)
	sl.barrier.RLock()
	defer sl.barrier.RUnlock()

	// re-read under the barrier: finalize flips the state while holding the
	// write side, so this read cannot race the flip
	sess, err = svc.repo.GetSession(ctx, token)
	if err != nil {
		return CheckinResult{}, err
	}
	if !sess.IsActive() {
		return CheckinResult{}, ErrSessionNotActive
	}

	std, err := svc.school.GetStudent(ctx, ev.StudentID)
	if err != nil {
		return CheckinResult{}, err
	}
	mtg, err := svc.school.GetMeeting(ctx, sess.MeetingID)
	if err != nil {
		return CheckinResult{}, err
	}
	if std.ClassGroupID != mtg.ClassGroupID {
		return CheckinResult{}, ErrRosterMismatch
	}

	mu := sl.forStudent(std.ID)
	mu.Lock()
	defer mu.Unlock()

	now := NowFunc().UTC()

	// the repository re-checks the session state and locks the presence row
	// inside one transaction, so another process racing this write (or a
	// finalize) serializes at the storage layer as well
	outcome := OutcomeNew
	rec, err := svc.repo.MutatePresence(ctx, token, std.ID, func(rec PresenceRecord, found bool) (PresenceRecord, bool, error) {
		if found && rec.Status == ev.RequestedStatus {
			outcome = OutcomeAlreadyRecorded
			return rec, false, nil
		}
		if !found {
			rec = PresenceRecord{
				SessionToken: token,
				StudentID:    std.ID,
				CreatedAt:    now,
			}
		}
		return applyEvent(rec, ev, now), true, nil
	})
	if err != nil {
		return CheckinResult{}, err
	}
	if outcome == OutcomeAlreadyRecorded {
		return CheckinResult{Outcome: outcome, Record: rec}, nil
	}

	if svc.dispatcher != nil {
		svc.dispatcher.PresenceChanged(ctx, sess, rec)
	}
	return CheckinResult{Outcome: OutcomeNew, Record: rec}, nil
}

func applyEvent(rec PresenceRecord, ev CheckinEvent, now time.Time) PresenceRecord {
	rec.Status = ev.RequestedStatus
	if ev.RequestedStatus == StatusPresent || ev.RequestedStatus == StatusLate {
		rec.ArrivalTime = null.TimeFrom(now)
	} else {
		rec.ArrivalTime = null.Time{}
	}
	rec.Method = ev.Method
	rec.Confidence = ev.Confidence
	if ev.Comment != "" {
		rec.Comment = ev.Comment
	}
	rec.LastModified = now
	return rec
}

// PollUpdates returns the presence records modified after since, newest
// first, plus the cursor for the next poll. The cursor is taken before the
// query runs: a record committing mid-poll may then be delivered twice, but
// can never be skipped.
func (svc *Service) PollUpdates(ctx context.Context, token string, since time.Time) (FeedPage, error) {
	if _, err := svc.repo.GetSession(ctx, token); err != nil {
		return FeedPage{}, err
	}

	cursor := NowFunc().UTC()
	updates, err := svc.repo.QueryPresencesModifiedSince(ctx, token, since.UTC())
	if err != nil {
		return FeedPage{}, err
	}
	return FeedPage{Updates: updates, Timestamp: cursor}, nil
}

// FinalizeSession freezes the session exactly once: it waits out in-flight
// check-ins, materializes Absent records for students never touched, writes
// the immutable history batch and returns the summary counts.
func (svc *Service) FinalizeSession(ctx context.Context, token, teacherID string) (SessionSummary, error) {
	sess, err := svc.repo.GetSession(ctx, token)
	if err != nil {
		return SessionSummary{}, err
	}
	if sess.TeacherID != teacherID {
		return SessionSummary{}, ErrNotOwner
	}

	sl := svc.locks.forSession(token)
	sl.barrier.Lock()
	defer sl.barrier.Unlock()

	sess, err = svc.repo.GetSession(ctx, token)
	if err != nil {
		return SessionSummary{}, err
	}
	if sess.IsTerminal() {
		return SessionSummary{}, ErrAlreadyTerminal
	}

	mtg, err := svc.school.GetMeeting(ctx, sess.MeetingID)
	if err != nil {
		return SessionSummary{}, err
	}
	roster, err := svc.school.ListEnrolled(ctx, mtg)
	if err != nil {
		return SessionSummary{}, errors.Wrap(err, "listing enrolled students")
	}
	records, err := svc.repo.QueryPresences(ctx, token)
	if err != nil {
		return SessionSummary{}, errors.Wrap(err, "querying presence records")
	}

	now := NowFunc().UTC()

	recorded := make(map[string]struct{}, len(records))
	for _, rec := range records {
		recorded[rec.StudentID] = struct{}{}
	}
	var created []PresenceRecord
	for _, std := range roster {
		if _, ok := recorded[std.ID]; ok {
			continue
		}
		created = append(created, PresenceRecord{
			SessionToken: token,
			StudentID:    std.ID,
			Status:       StatusAbsent,
			Method:       MethodManual,
			CreatedAt:    now,
			LastModified: now,
		})
	}

	all := append(records, created...)
	var summary SessionSummary
	entries := make([]HistoryEntry, 0, len(all))
	for _, rec := range all {
		switch rec.Status {
		case StatusPresent:
			summary.Present++
		case StatusLate:
			summary.Late++
		case StatusExcused:
			summary.Excused++
		default:
			summary.Absent++
		}
		entries = append(entries, HistoryEntry{
			StudentID:   rec.StudentID,
			MeetingID:   sess.MeetingID,
			Date:        mtg.Date,
			Status:      rec.Status,
			ArrivalTime: rec.ArrivalTime,
			Method:      rec.Method,
			Comment:     rec.Comment,
			CreatedAt:   now,
		})
	}
	summary.Total = len(all)

	sess.State = StateFinalized
	sess.ClosedAt = null.TimeFrom(now)
	sess, err = svc.repo.FinalizeSession(ctx, sess, created, entries)
	if err != nil {
		// the repository guarantees nothing was persisted; the session is
		// still Active and the call may be retried
		return SessionSummary{}, &ArchiveError{Err: err}
	}

	if svc.dispatcher != nil {
		// absences synthesized here never went through ApplyCheckIn, so
		// their guardians have not been notified yet
		for _, rec := range created {
			svc.dispatcher.PresenceChanged(ctx, sess, rec)
		}
		svc.dispatcher.SessionClosed(ctx, sess)
	}

	svc.locks.forget(token)
	return summary, nil
}

// CancelSession voids an active session. Presence records are retained for
// audit but no history is written.
func (svc *Service) CancelSession(ctx context.Context, token, teacherID string) error {
	sess, err := svc.repo.GetSession(ctx, token)
	if err != nil {
		return err
	}
	if sess.TeacherID != teacherID {
		return ErrNotOwner
	}

	sl := svc.locks.forSession(token)
	sl.barrier.Lock()
	defer sl.barrier.Unlock()

	sess, err = svc.repo.GetSession(ctx, token)
	if err != nil {
		return err
	}
	if sess.IsTerminal() {
		return ErrAlreadyTerminal
	}

	sess.State = StateCancelled
	sess.ClosedAt = null.TimeFrom(NowFunc().UTC())
	if _, err = svc.repo.UpdateSession(ctx, sess); err != nil {
		return errors.Wrap(err, "cancelling session")
	}
	if svc.dispatcher != nil {
		svc.dispatcher.SessionClosed(ctx, sess)
	}
	svc.locks.forget(token)
	return nil
}

func (svc *Service) QueryHistory(ctx context.Context, filter HistoryFilter) ([]HistoryEntry, error) {
	return svc.repo.QueryHistory(ctx, filter)
}
