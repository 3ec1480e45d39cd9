package school_test

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"github.com/facetrack/facetrack/core/school"
	inmemdb "github.com/facetrack/facetrack/storage/database/inmem"
)

func newService(t *testing.T) *school.Service {
	t.Helper()
	return school.NewService(inmemdb.NewSchoolRepository(inmemdb.NewDB()))
}

func TestService_CreateStudent_matricule(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	cg, err := svc.CreateClassGroup(ctx, school.ClassGroup{Code: "6A", SchoolYear: "2025-2026"})
	require.NoError(t, err)

	std, err := svc.CreateStudent(ctx, school.Student{Name: "  Alice  ", ClassGroupID: cg.ID})
	require.NoError(t, err)
	assert.Equal(t, "Alice", std.Name)

	// generated matricules match the format printed on QR cards
	pattern := fmt.Sprintf(`^%d-6A-[0-9A-F]{4}$`, time.Now().UTC().Year())
	assert.Regexp(t, regexp.MustCompile(pattern), std.Matricule)

	// a provided matricule is kept as is
	std2, err := svc.CreateStudent(ctx, school.Student{Name: "Bintu", Matricule: "2024-6A-BEEF", ClassGroupID: cg.ID})
	require.NoError(t, err)
	assert.Equal(t, "2024-6A-BEEF", std2.Matricule)

	got, err := svc.GetStudentByMatricule(ctx, " "+std2.Matricule+" ")
	require.NoError(t, err)
	assert.Equal(t, std2.ID, got.ID)
}

func TestService_GuardianOf(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	cg, err := svc.CreateClassGroup(ctx, school.ClassGroup{Code: "6A", SchoolYear: "2025-2026"})
	require.NoError(t, err)
	grd, err := svc.CreateGuardian(ctx, school.Guardian{Name: "M. Ilunga", Email: "ILUNGA@test.cd"})
	require.NoError(t, err)
	assert.Equal(t, "ilunga@test.cd", grd.Email)

	withGrd, err := svc.CreateStudent(ctx, school.Student{Name: "Alice", ClassGroupID: cg.ID, GuardianID: null.StringFrom(grd.ID)})
	require.NoError(t, err)
	orphan, err := svc.CreateStudent(ctx, school.Student{Name: "Bintu", ClassGroupID: cg.ID})
	require.NoError(t, err)

	got, ok, err := svc.GuardianOf(ctx, withGrd)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, grd.ID, got.ID)

	// no guardian on file is not an error
	_, ok, err = svc.GuardianOf(ctx, orphan)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_Teachers(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	tchr, err := svc.CreateTeacher(ctx, school.Teacher{Name: "Mme Kalala", Email: "Kalala@Test.CD"}, "s3cr3t")
	require.NoError(t, err)
	assert.Equal(t, "kalala@test.cd", tchr.Email)
	assert.True(t, tchr.IsActive)
	assert.NoError(t, tchr.CheckPassword("s3cr3t"))
	assert.Error(t, tchr.CheckPassword("nope"))

	_, err = svc.CreateTeacher(ctx, school.Teacher{Name: "Other", Email: "kalala@test.cd"}, "pwd")
	assert.Equal(t, school.ErrEmailExists, err)

	reset, err := svc.ResetTeacherPassword(ctx, "kalala@test.cd", "n3w-pwd")
	require.NoError(t, err)
	assert.NoError(t, reset.CheckPassword("n3w-pwd"))
}

func TestService_QueryTeacherMeetings(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	cg, err := svc.CreateClassGroup(ctx, school.ClassGroup{Code: "6A", SchoolYear: "2025-2026"})
	require.NoError(t, err)
	sub, err := svc.CreateSubject(ctx, school.Subject{Name: "Maths"})
	require.NoError(t, err)
	tchr, err := svc.CreateTeacher(ctx, school.Teacher{Name: "Mme Kalala", Email: "kalala@test.cd"}, "pwd")
	require.NoError(t, err)

	today := time.Now().UTC().Truncate(24 * time.Hour)
	mk := func(date time.Time, hour int) school.CourseMeeting {
		mtg, err := svc.CreateMeeting(ctx, school.CourseMeeting{
			SubjectID:    sub.ID,
			ClassGroupID: cg.ID,
			TeacherID:    tchr.ID,
			Date:         date,
			StartsAt:     date.Add(time.Duration(hour) * time.Hour),
			EndsAt:       date.Add(time.Duration(hour+1) * time.Hour),
		})
		require.NoError(t, err)
		assert.Equal(t, school.MeetingPlanned, mtg.Status)
		return mtg
	}
	second := mk(today, 10)
	first := mk(today, 8)
	mk(today.Add(24*time.Hour), 8) // tomorrow

	meetings, err := svc.QueryTeacherMeetings(ctx, tchr.ID, today)
	require.NoError(t, err)
	require.Len(t, meetings, 2)
	assert.Equal(t, first.ID, meetings[0].ID)
	assert.Equal(t, second.ID, meetings[1].ID)
}
