package inmemdb

import (
	"context"
	"sort"
	"time"

	"github.com/facetrack/facetrack/core/attendance"
)

type attendanceRepository struct {
	db *DB
}

var _ attendance.Repository = (*attendanceRepository)(nil)

func NewAttendanceRepository(db *DB) *attendanceRepository {
	return &attendanceRepository{db: db}
}

func (repo *attendanceRepository) CreateSession(_ context.Context, sess attendance.Session) (attendance.Session, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	repo.db.sessions[sess.Token] = sess
	repo.db.presences[sess.Token] = make(map[string]attendance.PresenceRecord)
	return sess, nil
}

func (repo *attendanceRepository) GetSession(_ context.Context, token string) (attendance.Session, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if sess, ok := repo.db.sessions[token]; ok {
		return sess, nil
	}
	return attendance.Session{}, attendance.ErrSessionNotFound
}

func (repo *attendanceRepository) GetActiveSessionForMeeting(_ context.Context, meetingID string) (attendance.Session, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	for _, sess := range repo.db.sessions {
		if sess.MeetingID == meetingID && sess.IsActive() {
			return sess, nil
		}
	}
	return attendance.Session{}, attendance.ErrSessionNotFound
}

func (repo *attendanceRepository) HasFinalizedSessionForMeeting(_ context.Context, meetingID string) (bool, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	for _, sess := range repo.db.sessions {
		if sess.MeetingID == meetingID && sess.State == attendance.StateFinalized {
			return true, nil
		}
	}
	return false, nil
}

func (repo *attendanceRepository) UpdateSession(_ context.Context, sess attendance.Session) (attendance.Session, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.sessions[sess.Token]; !ok {
		return attendance.Session{}, attendance.ErrSessionNotFound
	}
	repo.db.sessions[sess.Token] = sess
	return sess, nil
}

func (repo *attendanceRepository) CreatePresence(_ context.Context, rec attendance.PresenceRecord) (attendance.PresenceRecord, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()
	return repo.createPresence(rec)
}

// createPresence requires db.mutex held.
func (repo *attendanceRepository) createPresence(rec attendance.PresenceRecord) (attendance.PresenceRecord, error) {
	table, ok := repo.db.presences[rec.SessionToken]
	if !ok {
		return attendance.PresenceRecord{}, attendance.ErrSessionNotFound
	}
	repo.db.presencePK++
	rec.ID = repo.db.presencePK
	table[rec.StudentID] = rec
	return rec, nil
}

// MutatePresence holds the table lock for the whole read-modify-write, the
// same isolation the postgres repository gets from its row locks.
func (repo *attendanceRepository) MutatePresence(_ context.Context, token, studentID string, fn attendance.PresenceMutator) (attendance.PresenceRecord, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	sess, ok := repo.db.sessions[token]
	if !ok {
		return attendance.PresenceRecord{}, attendance.ErrSessionNotFound
	}
	if !sess.IsActive() {
		return attendance.PresenceRecord{}, attendance.ErrSessionNotActive
	}

	rec, found := repo.db.presences[token][studentID]
	out, write, err := fn(rec, found)
	if err != nil {
		return attendance.PresenceRecord{}, err
	}
	if !write {
		return out, nil
	}
	if !found {
		return repo.createPresence(out)
	}
	repo.db.presences[token][studentID] = out
	return out, nil
}

func (repo *attendanceRepository) QueryPresences(_ context.Context, token string) ([]attendance.PresenceRecord, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	records := make([]attendance.PresenceRecord, 0, len(repo.db.presences[token]))
	for _, rec := range repo.db.presences[token] {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (repo *attendanceRepository) QueryPresencesModifiedSince(_ context.Context, token string, since time.Time) ([]attendance.PresenceRecord, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	records := make([]attendance.PresenceRecord, 0)
	for _, rec := range repo.db.presences[token] {
		if rec.LastModified.After(since) {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].LastModified.After(records[j].LastModified) })
	return records, nil
}

func (repo *attendanceRepository) FinalizeSession(
	_ context.Context,
	sess attendance.Session,
	created []attendance.PresenceRecord,
	entries []attendance.HistoryEntry,
) (attendance.Session, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	prev, ok := repo.db.sessions[sess.Token]
	if !ok {
		return attendance.Session{}, attendance.ErrSessionNotFound
	}
	if prev.IsTerminal() {
		return attendance.Session{}, attendance.ErrAlreadyTerminal
	}

	repo.db.sessions[sess.Token] = sess
	for _, rec := range created {
		if _, exists := repo.db.presences[sess.Token][rec.StudentID]; exists {
			continue
		}
		if _, err := repo.createPresence(rec); err != nil {
			return attendance.Session{}, err
		}
	}

	for _, entry := range entries {
		if i, exists := repo.findHistory(entry); exists {
			prev := repo.db.history[i]
			prev.Status = entry.Status
			prev.ArrivalTime = entry.ArrivalTime
			prev.Method = entry.Method
			prev.Comment = entry.Comment
			repo.db.history[i] = prev
			continue
		}
		repo.db.historyPK++
		entry.ID = repo.db.historyPK
		repo.db.history = append(repo.db.history, entry)
	}
	return sess, nil
}

// findHistory requires db.mutex held.
func (repo *attendanceRepository) findHistory(entry attendance.HistoryEntry) (int, bool) {
	for i, h := range repo.db.history {
		if h.StudentID == entry.StudentID && h.MeetingID == entry.MeetingID && h.Date.Equal(entry.Date) {
			return i, true
		}
	}
	return -1, false
}

func (repo *attendanceRepository) QueryHistory(_ context.Context, filter attendance.HistoryFilter) ([]attendance.HistoryEntry, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	entries := make([]attendance.HistoryEntry, 0)
	for _, h := range repo.db.history {
		if filter.StudentID != "" && h.StudentID != filter.StudentID {
			continue
		}
		if filter.MeetingID != "" && h.MeetingID != filter.MeetingID {
			continue
		}
		if !filter.DateFrom.IsZero() && h.Date.Before(filter.DateFrom) {
			continue
		}
		if !filter.DateTo.IsZero() && h.Date.After(filter.DateTo) {
			continue
		}
		entries = append(entries, h)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Date.Equal(entries[j].Date) {
			return entries[i].Date.After(entries[j].Date)
		}
		return entries[i].ID > entries[j].ID
	})
	return entries, nil
}
