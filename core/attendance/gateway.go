package attendance

import (
	"context"

	"github.com/volatiletech/null/v8"

	"github.com/facetrack/facetrack/core/school"
)

// Gateway normalizes the three check-in channels into CheckinEvents before
// handing them to the session engine. Channel quirks (QR payload decoding,
// link parameter cross-checks, teacher ownership) end here; the engine only
// ever sees the normalized shape.
type Gateway struct {
	engine *Service
	school *school.Service
}

func NewGateway(engine *Service, schoolSvc *school.Service) *Gateway {
	return &Gateway{engine: engine, school: schoolSvc}
}

// ScanCheckIn handles the teacher-held scanner channel. The QR payload is the
// student's matricule; the student is marked Present with full confidence.
func (g *Gateway) ScanCheckIn(ctx context.Context, token, teacherID, matricule string) (CheckinResult, error) {
	sess, err := g.engine.GetSession(ctx, token)
	if err != nil {
		return CheckinResult{}, err
	}
	if sess.TeacherID != teacherID {
		return CheckinResult{}, ErrNotOwner
	}

	std, err := g.school.GetStudentByMatricule(ctx, matricule)
	if err != nil {
		return CheckinResult{}, err
	}
	return g.engine.ApplyCheckIn(ctx, token, CheckinEvent{
		StudentID:       std.ID,
		RequestedStatus: StatusPresent,
		Method:          MethodScan,
		Confidence:      null.Float64From(1.0),
	})
}

// MobileCheckIn handles the student self-service channel. The link embeds the
// student, meeting and session; all three must agree or the request is
// rejected before touching the ledger.
func (g *Gateway) MobileCheckIn(ctx context.Context, token, studentID, meetingID string) (CheckinResult, error) {
	sess, err := g.engine.GetSession(ctx, token)
	if err != nil {
		return CheckinResult{}, err
	}
	if sess.MeetingID != meetingID {
		return CheckinResult{}, ErrSessionMismatch
	}

	if _, err = g.school.GetStudent(ctx, studentID); err != nil {
		return CheckinResult{}, err
	}
	return g.engine.ApplyCheckIn(ctx, token, CheckinEvent{
		StudentID:       studentID,
		RequestedStatus: StatusPresent,
		Method:          MethodMobile,
		Confidence:      null.Float64From(1.0),
	})
}

// ManualCheckIn handles the teacher override channel: any of the four
// statuses, no confidence score, optional comment.
func (g *Gateway) ManualCheckIn(ctx context.Context, token, teacherID string, mc ManualCheckin) (CheckinResult, error) {
	sess, err := g.engine.GetSession(ctx, token)
	if err != nil {
		return CheckinResult{}, err
	}
	if sess.TeacherID != teacherID {
		return CheckinResult{}, ErrNotOwner
	}

	return g.engine.ApplyCheckIn(ctx, token, CheckinEvent{
		StudentID:       mc.StudentID,
		RequestedStatus: mc.Status,
		Method:          MethodManual,
		Comment:         mc.Comment,
	})
}
