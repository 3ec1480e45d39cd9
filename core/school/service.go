package school

import (
	"context"
	"errors"
	"time"

	"github.com/facetrack/facetrack/core"
)

var (
	ErrStudentNotFound    = errors.New("student not found")
	ErrTeacherNotFound    = errors.New("teacher not found")
	ErrGuardianNotFound   = errors.New("guardian not found")
	ErrMeetingNotFound    = errors.New("course meeting not found")
	ErrClassGroupNotFound = errors.New("class group not found")
	ErrSubjectNotFound    = errors.New("subject not found")
	ErrEmailExists        = errors.New("a teacher with this email already exists")
)

type (
	// Repository is the persistence boundary for organizational data. The
	// attendance engine only ever reads through it.
	Repository interface {
		CreateStudent(ctx context.Context, std Student) (Student, error)
		GetStudent(ctx context.Context, id string) (Student, error)
		GetStudentByMatricule(ctx context.Context, matricule string) (Student, error)
		QueryEnrolledStudents(ctx context.Context, classGroupID string) ([]Student, error)

		CreateTeacher(ctx context.Context, tchr Teacher) (Teacher, error)
		GetTeacher(ctx context.Context, id string) (Teacher, error)
		GetTeacherByEmail(ctx context.Context, email string) (Teacher, error)
		UpdateTeacher(ctx context.Context, tchr Teacher) (Teacher, error)

		CreateGuardian(ctx context.Context, grd Guardian) (Guardian, error)
		GetGuardian(ctx context.Context, id string) (Guardian, error)

		CreateClassGroup(ctx context.Context, cg ClassGroup) (ClassGroup, error)
		GetClassGroup(ctx context.Context, id string) (ClassGroup, error)

		CreateSubject(ctx context.Context, sub Subject) (Subject, error)
		GetSubject(ctx context.Context, id string) (Subject, error)

		CreateMeeting(ctx context.Context, mtg CourseMeeting) (CourseMeeting, error)
		GetMeeting(ctx context.Context, id string) (CourseMeeting, error)
		QueryTeacherMeetings(ctx context.Context, teacherID string, date time.Time) ([]CourseMeeting, error)
	}

	Service struct {
		repo Repository
	}
)

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (svc *Service) CreateStudent(ctx context.Context, std Student) (Student, error) {
	std.Name = core.CleanString(std.Name)
	if std.Matricule == "" {
		cg, err := svc.repo.GetClassGroup(ctx, std.ClassGroupID)
		if err != nil {
			return Student{}, err
		}
		std.EnsureMatricule(cg.Code)
	}
	std.CreatedAt = time.Now().UTC()
	return svc.repo.CreateStudent(ctx, std)
}

func (svc *Service) GetStudent(ctx context.Context, id string) (Student, error) {
	return svc.repo.GetStudent(ctx, id)
}

func (svc *Service) GetStudentByMatricule(ctx context.Context, matricule string) (Student, error) {
	return svc.repo.GetStudentByMatricule(ctx, core.CleanString(matricule))
}

// ListEnrolled returns the roster for a meeting: every student enrolled in
// the meeting's class group.
func (svc *Service) ListEnrolled(ctx context.Context, mtg CourseMeeting) ([]Student, error) {
	return svc.repo.QueryEnrolledStudents(ctx, mtg.ClassGroupID)
}

// GuardianOf resolves a student's guardian. ok is false when the student has
// no guardian on file; that is not an error.
func (svc *Service) GuardianOf(ctx context.Context, std Student) (Guardian, bool, error) {
	if !std.GuardianID.Valid {
		return Guardian{}, false, nil
	}
	grd, err := svc.repo.GetGuardian(ctx, std.GuardianID.String)
	if err != nil {
		if err == ErrGuardianNotFound {
			return Guardian{}, false, nil
		}
		return Guardian{}, false, err
	}
	return grd, true, nil
}

func (svc *Service) CreateTeacher(ctx context.Context, tchr Teacher, pwd string) (Teacher, error) {
	tchr.Name = core.CleanString(tchr.Name)
	tchr.Email = core.CleanString(tchr.Email, true /* lower */)
	tchr.IsActive = true
	tchr.CreatedAt = time.Now().UTC()
	if err := tchr.SetPassword(pwd); err != nil {
		return Teacher{}, err
	}
	return svc.repo.CreateTeacher(ctx, tchr)
}

func (svc *Service) GetTeacher(ctx context.Context, id string) (Teacher, error) {
	return svc.repo.GetTeacher(ctx, id)
}

func (svc *Service) GetTeacherByEmail(ctx context.Context, email string) (Teacher, error) {
	return svc.repo.GetTeacherByEmail(ctx, core.CleanString(email, true /* lower */))
}

func (svc *Service) ResetTeacherPassword(ctx context.Context, email, pwd string) (Teacher, error) {
	tchr, err := svc.GetTeacherByEmail(ctx, email)
	if err != nil {
		return Teacher{}, err
	}
	if err := tchr.SetPassword(pwd); err != nil {
		return Teacher{}, err
	}
	return svc.repo.UpdateTeacher(ctx, tchr)
}

func (svc *Service) CreateGuardian(ctx context.Context, grd Guardian) (Guardian, error) {
	grd.Name = core.CleanString(grd.Name)
	grd.Email = core.CleanString(grd.Email, true /* lower */)
	return svc.repo.CreateGuardian(ctx, grd)
}

func (svc *Service) CreateClassGroup(ctx context.Context, cg ClassGroup) (ClassGroup, error) {
	return svc.repo.CreateClassGroup(ctx, cg)
}

func (svc *Service) GetClassGroup(ctx context.Context, id string) (ClassGroup, error) {
	return svc.repo.GetClassGroup(ctx, id)
}

func (svc *Service) CreateSubject(ctx context.Context, sub Subject) (Subject, error) {
	sub.Name = core.CleanString(sub.Name)
	return svc.repo.CreateSubject(ctx, sub)
}

func (svc *Service) GetSubject(ctx context.Context, id string) (Subject, error) {
	return svc.repo.GetSubject(ctx, id)
}

func (svc *Service) CreateMeeting(ctx context.Context, mtg CourseMeeting) (CourseMeeting, error) {
	if mtg.Status == "" {
		mtg.Status = MeetingPlanned
	}
	return svc.repo.CreateMeeting(ctx, mtg)
}

func (svc *Service) GetMeeting(ctx context.Context, id string) (CourseMeeting, error) {
	return svc.repo.GetMeeting(ctx, id)
}

// QueryTeacherMeetings lists a teacher's meetings on a given calendar day.
func (svc *Service) QueryTeacherMeetings(ctx context.Context, teacherID string, date time.Time) ([]CourseMeeting, error) {
	return svc.repo.QueryTeacherMeetings(ctx, teacherID, date.UTC())
}
