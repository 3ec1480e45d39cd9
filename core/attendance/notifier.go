package attendance

import (
	"context"
	"fmt"
	"net/mail"
	"sync"

	"github.com/facetrack/facetrack/core"
	"github.com/facetrack/facetrack/core/school"
)

// Dispatcher is notified after a presence record changes. Implementations
// must never fail the check-in that triggered them; delivery problems are
// their own to log.
type Dispatcher interface {
	PresenceChanged(ctx context.Context, sess Session, rec PresenceRecord)
	// SessionClosed signals that the session reached a terminal state and
	// no further presence events will follow for it.
	SessionClosed(ctx context.Context, sess Session)
}

type notifKey struct {
	sessionToken string
	studentID    string
	status       string
}

// GuardianNotifier emails a student's guardian when their presence status
// changes. Each (session, student, status) combination fires at most once,
// so a re-scan or a duplicate poll retry cannot double-send.
type GuardianNotifier struct {
	school *school.Service
	mail   core.EmailService
	conf   *core.Config
	logger core.Logger

	mu    sync.Mutex
	fired map[notifKey]struct{}
}

var _ Dispatcher = (*GuardianNotifier)(nil)

func NewGuardianNotifier(schoolSvc *school.Service, mailSvc core.EmailService, conf *core.Config, logger core.Logger) *GuardianNotifier {
	return &GuardianNotifier{
		school: schoolSvc,
		mail:   mailSvc,
		conf:   conf,
		logger: logger,
		fired:  make(map[notifKey]struct{}),
	}
}

func (n *GuardianNotifier) PresenceChanged(ctx context.Context, sess Session, rec PresenceRecord) {
	tmpl, subject, ok := n.templateFor(rec.Status)
	if !ok {
		return
	}

	// mark before dispatch: a delivery failure is logged, never retried
	key := notifKey{sess.Token, rec.StudentID, rec.Status}
	n.mu.Lock()
	if _, dup := n.fired[key]; dup {
		n.mu.Unlock()
		return
	}
	n.fired[key] = struct{}{}
	n.mu.Unlock()

	std, err := n.school.GetStudent(ctx, rec.StudentID)
	if err != nil {
		n.logger.Error(fmt.Sprintf("notifier: loading student %s: %v", rec.StudentID, err), err)
		return
	}
	grd, found, err := n.school.GuardianOf(ctx, std)
	if err != nil {
		n.logger.Error(fmt.Sprintf("notifier: resolving guardian of %s: %v", std.ID, err), err)
		return
	}
	if !found {
		return
	}

	n.mail.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: grd.Name, Address: grd.Email}},
		Subject:      fmt.Sprintf("%s - %s", n.conf.AppName, subject),
		TemplateName: tmpl,
		TemplateData: struct {
			GuardianName string
			StudentName  string
			Status       string
			ArrivalTime  string
		}{
			GuardianName: grd.Name,
			StudentName:  std.Name,
			Status:       rec.Status,
			ArrivalTime:  arrivalText(rec),
		},
	})
}

// SessionClosed drops the session's dispatch log; the engine emits no more
// events for a terminal session, so the keys would only pile up in a
// long-lived process.
func (n *GuardianNotifier) SessionClosed(_ context.Context, sess Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for key := range n.fired {
		if key.sessionToken == sess.Token {
			delete(n.fired, key)
		}
	}
}

func (n *GuardianNotifier) templateFor(status string) (tmpl, subject string, ok bool) {
	switch status {
	case StatusPresent:
		if !n.conf.Attendance.NotifyOnPresence {
			return "", "", false
		}
		return "presence-confirmed", "Présence confirmée", true
	case StatusLate:
		return "late-arrival", "Arrivée en retard", true
	case StatusAbsent:
		return "absence-notice", "Avis d'absence", true
	default:
		// Excused is always teacher-initiated with the guardian already in
		// the loop; no email goes out
		return "", "", false
	}
}

func arrivalText(rec PresenceRecord) string {
	if !rec.ArrivalTime.Valid {
		return ""
	}
	return rec.ArrivalTime.Time.Format("15:04")
}
