package attendance_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetrack/facetrack/core/attendance"
	"github.com/facetrack/facetrack/core/school"
)

func TestGateway_ScanCheckIn(t *testing.T) {
	f := setup(t, 2)
	gw := attendance.NewGateway(f.svc, f.schoolSvc)
	ctx := context.Background()
	sess := f.open(t)
	std := f.students[0]

	res, err := gw.ScanCheckIn(ctx, sess.Token, f.teacher.ID, std.Matricule)
	require.NoError(t, err)
	assert.Equal(t, attendance.OutcomeNew, res.Outcome)
	assert.Equal(t, attendance.StatusPresent, res.Record.Status)
	assert.Equal(t, attendance.MethodScan, res.Record.Method)
	require.True(t, res.Record.Confidence.Valid)
	assert.Equal(t, 1.0, res.Record.Confidence.Float64)

	// a re-scan acknowledges without touching the record
	dup, err := gw.ScanCheckIn(ctx, sess.Token, f.teacher.ID, std.Matricule)
	require.NoError(t, err)
	assert.Equal(t, attendance.OutcomeAlreadyRecorded, dup.Outcome)
	assert.Equal(t, res.Record.ArrivalTime.Time, dup.Record.ArrivalTime.Time)

	_, err = gw.ScanCheckIn(ctx, sess.Token, f.teacher.ID, "2025-6A-XXXX")
	assert.Equal(t, school.ErrStudentNotFound, err)

	_, err = gw.ScanCheckIn(ctx, sess.Token, "someone-else", std.Matricule)
	assert.Equal(t, attendance.ErrNotOwner, err)
}

func TestGateway_MobileCheckIn(t *testing.T) {
	f := setup(t, 2)
	gw := attendance.NewGateway(f.svc, f.schoolSvc)
	ctx := context.Background()
	sess := f.open(t)
	std := f.students[1]

	res, err := gw.MobileCheckIn(ctx, sess.Token, std.ID, sess.MeetingID)
	require.NoError(t, err)
	assert.Equal(t, attendance.OutcomeNew, res.Outcome)
	assert.Equal(t, attendance.MethodMobile, res.Record.Method)

	// a link whose meeting does not match the session is rejected
	_, err = gw.MobileCheckIn(ctx, sess.Token, std.ID, "another-meeting")
	assert.Equal(t, attendance.ErrSessionMismatch, err)

	_, err = gw.MobileCheckIn(ctx, "no-such-token", std.ID, sess.MeetingID)
	assert.Equal(t, attendance.ErrSessionNotFound, err)
}

func TestGateway_ManualCheckIn(t *testing.T) {
	f := setup(t, 1)
	gw := attendance.NewGateway(f.svc, f.schoolSvc)
	ctx := context.Background()
	sess := f.open(t)
	std := f.students[0]

	res, err := gw.ManualCheckIn(ctx, sess.Token, f.teacher.ID, attendance.ManualCheckin{
		StudentID: std.ID,
		Status:    attendance.StatusExcused,
		Comment:   "rendez-vous médical",
	})
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusExcused, res.Record.Status)
	assert.Equal(t, attendance.MethodManual, res.Record.Method)
	assert.Equal(t, "rendez-vous médical", res.Record.Comment)
	assert.False(t, res.Record.Confidence.Valid)

	_, err = gw.ManualCheckIn(ctx, sess.Token, "someone-else", attendance.ManualCheckin{
		StudentID: std.ID,
		Status:    attendance.StatusPresent,
	})
	assert.Equal(t, attendance.ErrNotOwner, err)
}
