package school

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/volatiletech/null/v8"
	"golang.org/x/crypto/bcrypt"
)

// Meeting statuses
const (
	MeetingPlanned    = "PLANNED"
	MeetingInProgress = "IN_PROGRESS"
	MeetingDone       = "DONE"
	MeetingCancelled  = "CANCELLED"
)

type Student struct {
	ID           string      `json:"id" db:"id"`
	Name         string      `json:"name" db:"name"`
	Matricule    string      `json:"matricule" db:"matricule"`
	ClassGroupID string      `json:"class_group_id" db:"class_group_id"`
	GuardianID   null.String `json:"guardian_id,omitempty" db:"guardian_id"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"` // UTC
}

// EnsureMatricule assigns a matriculation code when none is set yet.
// Format: <year>-<class group code>-<4 random hex chars>, matching the codes
// printed on student QR cards.
func (s *Student) EnsureMatricule(classGroupCode string) {
	if s.Matricule != "" {
		return
	}
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:4])
	s.Matricule = fmt.Sprintf("%d-%s-%s", time.Now().UTC().Year(), classGroupCode, suffix)
}

type Teacher struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Email        string    `json:"email" db:"email"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	PasswordHash []byte    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"` // UTC
}

func (t *Teacher) SetPassword(pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	t.PasswordHash = hash
	return nil
}

func (t *Teacher) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(t.PasswordHash, []byte(pwd))
}

// Guardian is the notification recipient associated with a student.
type Guardian struct {
	ID    string `json:"id" db:"id"`
	Name  string `json:"name" db:"name"`
	Email string `json:"email" db:"email"`
}

type ClassGroup struct {
	ID         string `json:"id" db:"id"`
	Code       string `json:"code" db:"code"` // e.g. "6A", "TLE"
	Label      string `json:"label" db:"label"`
	SchoolYear string `json:"school_year" db:"school_year"` // e.g. "2024-2025"
}

type Subject struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
	Code string `json:"code" db:"code"`
}

// CourseMeeting identifies one scheduled class occurrence. It is read-only to
// the attendance engine; only an administrative cancel mutates it once a
// roll call has started.
type CourseMeeting struct {
	ID           string    `json:"id" db:"id"`
	SubjectID    string    `json:"subject_id" db:"subject_id"`
	ClassGroupID string    `json:"class_group_id" db:"class_group_id"`
	TeacherID    string    `json:"teacher_id" db:"teacher_id"`
	Date         time.Time `json:"date" db:"date"` // calendar day, UTC midnight
	StartsAt     time.Time `json:"starts_at" db:"starts_at"`
	EndsAt       time.Time `json:"ends_at" db:"ends_at"`
	Room         string    `json:"room" db:"room"`
	Status       string    `json:"status" db:"status"`
}

// IsScheduledOn reports whether the meeting falls on the same calendar day as t (UTC).
func (m CourseMeeting) IsScheduledOn(t time.Time) bool {
	y1, m1, d1 := m.Date.UTC().Date()
	y2, m2, d2 := t.UTC().Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
