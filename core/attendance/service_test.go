package attendance_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"github.com/facetrack/facetrack/core/attendance"
	"github.com/facetrack/facetrack/core/school"
	inmemdb "github.com/facetrack/facetrack/storage/database/inmem"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []attendance.PresenceRecord
	closed []string
}

func (d *recordingDispatcher) PresenceChanged(_ context.Context, _ attendance.Session, rec attendance.PresenceRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, rec)
}

func (d *recordingDispatcher) SessionClosed(_ context.Context, sess attendance.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = append(d.closed, sess.Token)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

func (d *recordingDispatcher) closedSessions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.closed...)
}

type fixture struct {
	db        *inmemdb.DB
	schoolSvc *school.Service
	svc       *attendance.Service
	disp      *recordingDispatcher

	teacher  school.Teacher
	guardian school.Guardian
	group    school.ClassGroup
	students []school.Student
	meeting  school.CourseMeeting
}

func setup(t *testing.T, numStudents int) *fixture {
	t.Helper()
	ctx := context.Background()

	db := inmemdb.NewDB()
	schoolSvc := school.NewService(inmemdb.NewSchoolRepository(db))
	disp := new(recordingDispatcher)
	svc := attendance.NewService(inmemdb.NewAttendanceRepository(db), schoolSvc, disp)

	group, err := schoolSvc.CreateClassGroup(ctx, school.ClassGroup{Code: "6A", Label: "6ème A", SchoolYear: "2025-2026"})
	require.NoError(t, err)
	subject, err := schoolSvc.CreateSubject(ctx, school.Subject{Name: "Mathématiques", Code: "MATH"})
	require.NoError(t, err)
	teacher, err := schoolSvc.CreateTeacher(ctx, school.Teacher{Name: "Mme Kalala", Email: "kalala@test.cd"}, "s3cr3t")
	require.NoError(t, err)
	guardian, err := schoolSvc.CreateGuardian(ctx, school.Guardian{Name: "M. Ilunga", Email: "ilunga@test.cd"})
	require.NoError(t, err)

	names := []string{"Alice", "Bintu", "Cédric", "Didier", "Esther", "Fiston", "Grace", "Henri"}
	students := make([]school.Student, 0, numStudents)
	for i := 0; i < numStudents; i++ {
		std := school.Student{Name: names[i%len(names)], ClassGroupID: group.ID}
		if i == 0 {
			std.GuardianID = null.StringFrom(guardian.ID)
		}
		std, err = schoolSvc.CreateStudent(ctx, std)
		require.NoError(t, err)
		students = append(students, std)
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	meeting, err := schoolSvc.CreateMeeting(ctx, school.CourseMeeting{
		SubjectID:    subject.ID,
		ClassGroupID: group.ID,
		TeacherID:    teacher.ID,
		Date:         today,
		StartsAt:     today.Add(8 * time.Hour),
		EndsAt:       today.Add(9 * time.Hour),
		Room:         "B12",
	})
	require.NoError(t, err)

	return &fixture{
		db:        db,
		schoolSvc: schoolSvc,
		svc:       svc,
		disp:      disp,
		teacher:   teacher,
		guardian:  guardian,
		group:     group,
		students:  students,
		meeting:   meeting,
	}
}

func (f *fixture) open(t *testing.T) attendance.Session {
	t.Helper()
	sess, err := f.svc.OpenSession(context.Background(), f.meeting.ID, f.teacher.ID)
	require.NoError(t, err)
	return sess
}

func (f *fixture) checkin(t *testing.T, token, studentID, status string) attendance.CheckinResult {
	t.Helper()
	res, err := f.svc.ApplyCheckIn(context.Background(), token, attendance.CheckinEvent{
		StudentID:       studentID,
		RequestedStatus: status,
		Method:          attendance.MethodManual,
	})
	require.NoError(t, err)
	return res
}

func TestService_OpenSession(t *testing.T) {
	f := setup(t, 3)
	ctx := context.Background()

	sess := f.open(t)
	assert.Equal(t, attendance.StateActive, sess.State)
	assert.Equal(t, f.meeting.ID, sess.MeetingID)
	assert.NotEmpty(t, sess.Token)

	// the full roster is seeded as absent
	records, err := f.svc.ListPresences(ctx, sess.Token)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	for _, rec := range records {
		assert.Equal(t, attendance.StatusAbsent, rec.Status)
	}

	// opening again returns the same live session
	again := f.open(t)
	assert.Equal(t, sess.Token, again.Token)
	records, err = f.svc.ListPresences(ctx, sess.Token)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestService_OpenSession_notToday(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()

	tomorrow := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	mtg, err := f.schoolSvc.CreateMeeting(ctx, school.CourseMeeting{
		SubjectID:    f.meeting.SubjectID,
		ClassGroupID: f.group.ID,
		TeacherID:    f.teacher.ID,
		Date:         tomorrow,
		StartsAt:     tomorrow.Add(8 * time.Hour),
		EndsAt:       tomorrow.Add(9 * time.Hour),
	})
	require.NoError(t, err)

	_, err = f.svc.OpenSession(ctx, mtg.ID, f.teacher.ID)
	assert.Equal(t, attendance.ErrNotScheduledToday, err)
}

func TestService_OpenSession_afterFinalize(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()

	sess := f.open(t)
	_, err := f.svc.FinalizeSession(ctx, sess.Token, f.teacher.ID)
	require.NoError(t, err)

	_, err = f.svc.OpenSession(ctx, f.meeting.ID, f.teacher.ID)
	assert.Equal(t, attendance.ErrAlreadyFinalized, err)
}

func TestService_OpenSession_afterCancel(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()

	sess := f.open(t)
	require.NoError(t, f.svc.CancelSession(ctx, sess.Token, f.teacher.ID))

	// a cancelled roll call may be redone from scratch
	redo := f.open(t)
	assert.NotEqual(t, sess.Token, redo.Token)
	assert.True(t, redo.IsActive())
}

func TestService_ApplyCheckIn(t *testing.T) {
	f := setup(t, 3)
	sess := f.open(t)
	std := f.students[0]

	res := f.checkin(t, sess.Token, std.ID, attendance.StatusPresent)
	assert.Equal(t, attendance.OutcomeNew, res.Outcome)
	assert.Equal(t, attendance.StatusPresent, res.Record.Status)
	assert.True(t, res.Record.ArrivalTime.Valid)

	// same status again is an idempotent acknowledgement
	firstArrival := res.Record.ArrivalTime.Time
	dup := f.checkin(t, sess.Token, std.ID, attendance.StatusPresent)
	assert.Equal(t, attendance.OutcomeAlreadyRecorded, dup.Outcome)
	assert.Equal(t, firstArrival, dup.Record.ArrivalTime.Time)

	// a different status overwrites
	late := f.checkin(t, sess.Token, std.ID, attendance.StatusLate)
	assert.Equal(t, attendance.OutcomeNew, late.Outcome)
	assert.Equal(t, attendance.StatusLate, late.Record.Status)

	// marking absent clears the arrival time
	abs := f.checkin(t, sess.Token, std.ID, attendance.StatusAbsent)
	assert.Equal(t, attendance.StatusAbsent, abs.Record.Status)
	assert.False(t, abs.Record.ArrivalTime.Valid)
}

func TestService_ApplyCheckIn_rosterMismatch(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()
	sess := f.open(t)

	other, err := f.schoolSvc.CreateClassGroup(ctx, school.ClassGroup{Code: "5B", SchoolYear: "2025-2026"})
	require.NoError(t, err)
	stranger, err := f.schoolSvc.CreateStudent(ctx, school.Student{Name: "Zoe", ClassGroupID: other.ID})
	require.NoError(t, err)

	_, err = f.svc.ApplyCheckIn(ctx, sess.Token, attendance.CheckinEvent{
		StudentID:       stranger.ID,
		RequestedStatus: attendance.StatusPresent,
		Method:          attendance.MethodScan,
	})
	assert.Equal(t, attendance.ErrRosterMismatch, err)
}

func TestService_ApplyCheckIn_terminalSession(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()
	sess := f.open(t)

	_, err := f.svc.FinalizeSession(ctx, sess.Token, f.teacher.ID)
	require.NoError(t, err)

	_, err = f.svc.ApplyCheckIn(ctx, sess.Token, attendance.CheckinEvent{
		StudentID:       f.students[0].ID,
		RequestedStatus: attendance.StatusPresent,
		Method:          attendance.MethodManual,
	})
	assert.Equal(t, attendance.ErrSessionNotActive, err)
}

func TestService_FinalizeSession(t *testing.T) {
	f := setup(t, 4)
	ctx := context.Background()
	sess := f.open(t)

	f.checkin(t, sess.Token, f.students[0].ID, attendance.StatusPresent)
	f.checkin(t, sess.Token, f.students[1].ID, attendance.StatusLate)
	f.checkin(t, sess.Token, f.students[2].ID, attendance.StatusExcused)
	// students[3] never checked in

	summary, err := f.svc.FinalizeSession(ctx, sess.Token, f.teacher.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Present)
	assert.Equal(t, 1, summary.Late)
	assert.Equal(t, 1, summary.Excused)
	assert.Equal(t, 1, summary.Absent)
	assert.Equal(t, 4, summary.Total)

	got, err := f.svc.GetSession(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, attendance.StateFinalized, got.State)
	assert.True(t, got.ClosedAt.Valid)

	// exactly one history entry per enrolled student
	entries, err := f.svc.QueryHistory(ctx, attendance.HistoryFilter{MeetingID: f.meeting.ID})
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	byStudent := make(map[string]attendance.HistoryEntry, len(entries))
	for _, e := range entries {
		byStudent[e.StudentID] = e
	}
	assert.Equal(t, attendance.StatusPresent, byStudent[f.students[0].ID].Status)
	assert.Equal(t, attendance.StatusLate, byStudent[f.students[1].ID].Status)
	assert.Equal(t, attendance.StatusExcused, byStudent[f.students[2].ID].Status)
	assert.Equal(t, attendance.StatusAbsent, byStudent[f.students[3].ID].Status)

	// the dispatcher is told the session is over so it can drop its state
	assert.Equal(t, []string{sess.Token}, f.disp.closedSessions())
}

func TestService_FinalizeSession_materializesLateEnrollment(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()
	sess := f.open(t)

	// a student joining the class after the roll call opened still gets an
	// absent record and a history entry
	joined, err := f.schoolSvc.CreateStudent(ctx, school.Student{Name: "Willy", ClassGroupID: f.group.ID})
	require.NoError(t, err)

	summary, err := f.svc.FinalizeSession(ctx, sess.Token, f.teacher.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Absent)

	entries, err := f.svc.QueryHistory(ctx, attendance.HistoryFilter{StudentID: joined.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, attendance.StatusAbsent, entries[0].Status)
}

func TestService_FinalizeSession_guards(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()
	sess := f.open(t)

	_, err := f.svc.FinalizeSession(ctx, sess.Token, "someone-else")
	assert.Equal(t, attendance.ErrNotOwner, err)

	_, err = f.svc.FinalizeSession(ctx, sess.Token, f.teacher.ID)
	require.NoError(t, err)

	// second finalize is rejected and writes nothing new
	_, err = f.svc.FinalizeSession(ctx, sess.Token, f.teacher.ID)
	assert.Equal(t, attendance.ErrAlreadyTerminal, err)

	entries, err := f.svc.QueryHistory(ctx, attendance.HistoryFilter{MeetingID: f.meeting.ID})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestService_CancelSession(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()
	sess := f.open(t)

	f.checkin(t, sess.Token, f.students[0].ID, attendance.StatusPresent)
	require.NoError(t, f.svc.CancelSession(ctx, sess.Token, f.teacher.ID))

	got, err := f.svc.GetSession(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, attendance.StateCancelled, got.State)

	// records are kept for audit but no history is written
	records, err := f.svc.ListPresences(ctx, sess.Token)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	entries, err := f.svc.QueryHistory(ctx, attendance.HistoryFilter{MeetingID: f.meeting.ID})
	require.NoError(t, err)
	assert.Empty(t, entries)

	err = f.svc.CancelSession(ctx, sess.Token, f.teacher.ID)
	assert.Equal(t, attendance.ErrAlreadyTerminal, err)

	assert.Equal(t, []string{sess.Token}, f.disp.closedSessions())
}

func TestService_PollUpdates(t *testing.T) {
	f := setup(t, 3)
	ctx := context.Background()
	sess := f.open(t)

	// first poll returns the seeded roster
	page, err := f.svc.PollUpdates(ctx, sess.Token, time.Time{})
	require.NoError(t, err)
	assert.Len(t, page.Updates, 3)
	assert.False(t, page.Timestamp.IsZero())

	// nothing changed: next poll from the cursor is empty
	page2, err := f.svc.PollUpdates(ctx, sess.Token, page.Timestamp)
	require.NoError(t, err)
	assert.Empty(t, page2.Updates)

	time.Sleep(5 * time.Millisecond)
	f.checkin(t, sess.Token, f.students[1].ID, attendance.StatusPresent)

	page3, err := f.svc.PollUpdates(ctx, sess.Token, page2.Timestamp)
	require.NoError(t, err)
	require.Len(t, page3.Updates, 1)
	assert.Equal(t, f.students[1].ID, page3.Updates[0].StudentID)

	_, err = f.svc.PollUpdates(ctx, "no-such-token", time.Time{})
	assert.Equal(t, attendance.ErrSessionNotFound, err)
}

func TestService_ConcurrentCheckins(t *testing.T) {
	f := setup(t, 8)
	sess := f.open(t)

	var wg sync.WaitGroup
	for _, std := range f.students {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.svc.ApplyCheckIn(context.Background(), sess.Token, attendance.CheckinEvent{
				StudentID:       id,
				RequestedStatus: attendance.StatusPresent,
				Method:          attendance.MethodScan,
				Confidence:      null.Float64From(1.0),
			})
			assert.NoError(t, err)
		}(std.ID)
	}
	wg.Wait()

	records, err := f.svc.ListPresences(context.Background(), sess.Token)
	require.NoError(t, err)
	require.Len(t, records, 8)
	for _, rec := range records {
		assert.Equal(t, attendance.StatusPresent, rec.Status)
	}

	// every concurrent write also shows up on the polling feed
	page, err := f.svc.PollUpdates(context.Background(), sess.Token, time.Time{})
	require.NoError(t, err)
	require.Len(t, page.Updates, 8)
	updated := make(map[string]string, len(page.Updates))
	for _, rec := range page.Updates {
		updated[rec.StudentID] = rec.Status
	}
	for _, std := range f.students {
		assert.Equal(t, attendance.StatusPresent, updated[std.ID])
	}
}

func TestService_ConcurrentSameStudent(t *testing.T) {
	f := setup(t, 1)
	sess := f.open(t)
	std := f.students[0]

	// seeded as absent; racing identical requests must yield exactly one
	// effective transition
	const n = 16
	outcomes := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.ApplyCheckIn(context.Background(), sess.Token, attendance.CheckinEvent{
				StudentID:       std.ID,
				RequestedStatus: attendance.StatusPresent,
				Method:          attendance.MethodMobile,
				Confidence:      null.Float64From(1.0),
			})
			assert.NoError(t, err)
			outcomes <- res.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	var news int
	for outcome := range outcomes {
		if outcome == attendance.OutcomeNew {
			news++
		}
	}
	assert.Equal(t, 1, news)
}

func TestService_FullRollCall(t *testing.T) {
	f := setup(t, 3)
	ctx := context.Background()

	sess := f.open(t)

	// scanner and phone race for student A; the duplicate is acknowledged
	a := f.students[0]
	first := f.checkin(t, sess.Token, a.ID, attendance.StatusPresent)
	assert.Equal(t, attendance.OutcomeNew, first.Outcome)
	second := f.checkin(t, sess.Token, a.ID, attendance.StatusPresent)
	assert.Equal(t, attendance.OutcomeAlreadyRecorded, second.Outcome)

	// B strolls in late, C never shows up
	f.checkin(t, sess.Token, f.students[1].ID, attendance.StatusLate)

	summary, err := f.svc.FinalizeSession(ctx, sess.Token, f.teacher.ID)
	require.NoError(t, err)
	assert.Equal(t, attendance.SessionSummary{Present: 1, Late: 1, Absent: 1, Total: 3}, summary)
}
