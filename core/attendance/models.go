package attendance

import (
	"fmt"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/volatiletech/null/v8"

	"github.com/facetrack/facetrack/core"
)

// Presence statuses
const (
	StatusPresent = "PRESENT"
	StatusAbsent  = "ABSENT"
	StatusLate    = "LATE"
	StatusExcused = "EXCUSED"
)

// Detection methods
const (
	MethodScan   = "SCAN"   // teacher-held QR scanner
	MethodMobile = "MOBILE" // student's own phone via the check-in link
	MethodManual = "MANUAL" // explicit teacher override
	MethodMixed  = "MIXED"  // session-level hint only
)

// Session lifecycle states
const (
	StateActive    = "ACTIVE"
	StateFinalized = "FINALIZED"
	StateCancelled = "CANCELLED"
)

// Check-in outcomes. AlreadyRecorded is a success, not an error: a teacher
// re-scanning an already-present student must see an acknowledgement.
const (
	OutcomeNew             = "NEW"
	OutcomeAlreadyRecorded = "ALREADY_RECORDED"
)

var statuses = []string{StatusPresent, StatusAbsent, StatusLate, StatusExcused}

func IsValidStatus(s string) bool {
	for _, st := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

// Session represents one roll-call attempt for exactly one course meeting.
// Its token doubles as its identity; tokens are uuid4 so a student cannot
// guess another session's mobile link.
type Session struct {
	Token     string    `json:"token" db:"token"`
	MeetingID string    `json:"meeting_id" db:"meeting_id"`
	TeacherID string    `json:"teacher_id" db:"teacher_id"`
	State     string    `json:"state" db:"state"`
	Method    string    `json:"method" db:"method"` // check-in method hint
	OpenedAt  time.Time `json:"opened_at" db:"opened_at"` // UTC
	ClosedAt  null.Time `json:"closed_at,omitempty" db:"closed_at"`
}

func (s Session) IsActive() bool   { return s.State == StateActive }
func (s Session) IsTerminal() bool { return s.State == StateFinalized || s.State == StateCancelled }

// CheckinLink builds the per-student mobile self-check-in path. The shape is
// a cross-device contract: it is embedded in the QR code handed to each
// student, so it must not change.
func (s Session) CheckinLink(studentID string) string {
	return fmt.Sprintf("/checkin/%s/%s/%s/", studentID, s.MeetingID, s.Token)
}

// PresenceRecord is one student's attendance outcome within a Session.
// At most one exists per (session, student); it is only ever mutated by the
// session engine.
type PresenceRecord struct {
	ID           int64        `json:"id" db:"id"`
	SessionToken string       `json:"session_token" db:"session_token"`
	StudentID    string       `json:"student_id" db:"student_id"`
	Status       string       `json:"status" db:"status"`
	ArrivalTime  null.Time    `json:"arrival_time,omitempty" db:"arrival_time"`
	Method       string       `json:"method" db:"method"`
	Confidence   null.Float64 `json:"confidence,omitempty" db:"confidence"` // [0,1]; 1.0 for QR check-ins, null for manual
	Comment      string       `json:"comment" db:"comment"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`       // UTC
	LastModified time.Time    `json:"last_modified" db:"last_modified"` // UTC
}

// HistoryEntry is an immutable snapshot of one PresenceRecord taken when its
// session was finalized. Unique per (student, meeting, date).
type HistoryEntry struct {
	ID          int64     `json:"id" db:"id"`
	StudentID   string    `json:"student_id" db:"student_id"`
	MeetingID   string    `json:"meeting_id" db:"meeting_id"`
	Date        time.Time `json:"date" db:"date"`
	Status      string    `json:"status" db:"status"`
	ArrivalTime null.Time `json:"arrival_time,omitempty" db:"arrival_time"`
	Method      string    `json:"method" db:"method"`
	Comment     string    `json:"comment" db:"comment"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"` // UTC
}

// HistoryFilter applies AND on its non-zero fields.
type HistoryFilter struct {
	StudentID string    `query:"student_id"`
	MeetingID string    `query:"meeting_id"`
	DateFrom  time.Time `query:"date_from"`
	DateTo    time.Time `query:"date_to"`
}

// SessionSummary holds the counts returned by FinalizeSession.
type SessionSummary struct {
	Present int `json:"present"`
	Late    int `json:"late"`
	Absent  int `json:"absent"`
	Excused int `json:"excused"`
	Total   int `json:"total"`
}

// CheckinEvent is the normalized shape every check-in channel reduces to
// before reaching the engine. Ordering across channels is server receipt
// order; ClientTime is informational only.
type CheckinEvent struct {
	StudentID       string
	RequestedStatus string
	Method          string
	Confidence      null.Float64
	Comment         string
	ClientTime      null.Time
}

// CheckinResult distinguishes a fresh record ("newly recorded") from an
// idempotent duplicate so the caller can show the right message.
type CheckinResult struct {
	Outcome string         `json:"outcome"`
	Record  PresenceRecord `json:"record"`
}

// FeedPage is one poll of the synchronization feed. Timestamp is the only
// valid cursor for the next poll; client clocks are never trusted.
type FeedPage struct {
	Updates   []PresenceRecord `json:"updates"`
	Timestamp time.Time        `json:"timestamp"`
}

// ScanCheckin is the scanner channel payload: the raw content of a student's
// QR code, i.e. their matricule.
type ScanCheckin struct {
	QRCodeData string `json:"qr_code_data" validate:"required"`
}

func (sc *ScanCheckin) Validate(validate *validator.Validate) error {
	sc.QRCodeData = core.CleanString(sc.QRCodeData)
	return validate.Struct(sc)
}

// ManualCheckin is the manual override channel payload.
type ManualCheckin struct {
	StudentID string `json:"student_id" validate:"required"`
	Status    string `json:"status" validate:"required,attstatus"`
	Comment   string `json:"comment"`
}

func (mc *ManualCheckin) Validate(validate *validator.Validate) error {
	mc.StudentID = core.CleanString(mc.StudentID)
	mc.Status = core.CleanString(mc.Status)
	mc.Comment = core.CleanString(mc.Comment)
	return validate.Struct(mc)
}

var (
	attStatusTag  = "attstatus"
	attStatusText = "invalid presence status"
)

// InitValidators registers this package's custom validation tags.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(attStatusTag, func(fl validator.FieldLevel) bool {
		return IsValidStatus(fl.Field().String())
	})
	core.RegisterCustomTranslation(validate, translator, attStatusTag, attStatusText)
}
