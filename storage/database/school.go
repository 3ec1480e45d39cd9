package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/facetrack/facetrack/core/school"
)

const pqUniqueViolation = "23505"

type schoolRepository struct {
	db *sqlx.DB
}

var _ school.Repository = (*schoolRepository)(nil) // interface compliance check

func NewSchoolRepository(db *sqlx.DB) *schoolRepository {
	return &schoolRepository{db: db}
}

// trapNoRowsErr maps psql "no rows" to the domain's not-found sentinel.
func trapNoRowsErr(err, sentinel error, msg string) error {
	if err == sql.ErrNoRows {
		return sentinel
	}
	return errors.Wrap(err, msg)
}

func (repo schoolRepository) CreateStudent(ctx context.Context, std school.Student) (school.Student, error) {
	std.ID = uuid.New().String()
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO student (id, name, matricule, class_group_id, guardian_id, created_at)
		VALUES (:id, :name, :matricule, :class_group_id, :guardian_id, :created_at)`, std)
	if err != nil {
		return school.Student{}, errors.Wrap(err, "inserting student")
	}
	return std, nil
}

func (repo schoolRepository) GetStudent(ctx context.Context, id string) (school.Student, error) {
	var std school.Student
	err := repo.db.GetContext(ctx, &std, `SELECT * FROM student WHERE id = $1`, id)
	if err != nil {
		return school.Student{}, trapNoRowsErr(err, school.ErrStudentNotFound, "getting student")
	}
	return std, nil
}

func (repo schoolRepository) GetStudentByMatricule(ctx context.Context, matricule string) (school.Student, error) {
	var std school.Student
	err := repo.db.GetContext(ctx, &std, `SELECT * FROM student WHERE matricule = $1`, matricule)
	if err != nil {
		return school.Student{}, trapNoRowsErr(err, school.ErrStudentNotFound, "getting student by matricule")
	}
	return std, nil
}

func (repo schoolRepository) QueryEnrolledStudents(ctx context.Context, classGroupID string) ([]school.Student, error) {
	students := make([]school.Student, 0)
	err := repo.db.SelectContext(ctx, &students, `
		SELECT * FROM student WHERE class_group_id = $1 ORDER BY name`, classGroupID)
	if err != nil {
		return nil, errors.Wrap(err, "querying enrolled students")
	}
	return students, nil
}

func (repo schoolRepository) CreateTeacher(ctx context.Context, tchr school.Teacher) (school.Teacher, error) {
	tchr.ID = uuid.New().String()
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO teacher (id, name, email, is_active, password_hash, created_at)
		VALUES (:id, :name, :email, :is_active, :password_hash, :created_at)`, tchr)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
			return school.Teacher{}, school.ErrEmailExists
		}
		return school.Teacher{}, errors.Wrap(err, "inserting teacher")
	}
	return tchr, nil
}

func (repo schoolRepository) GetTeacher(ctx context.Context, id string) (school.Teacher, error) {
	var tchr school.Teacher
	err := repo.db.GetContext(ctx, &tchr, `SELECT * FROM teacher WHERE id = $1`, id)
	if err != nil {
		return school.Teacher{}, trapNoRowsErr(err, school.ErrTeacherNotFound, "getting teacher")
	}
	return tchr, nil
}

func (repo schoolRepository) GetTeacherByEmail(ctx context.Context, email string) (school.Teacher, error) {
	var tchr school.Teacher
	err := repo.db.GetContext(ctx, &tchr, `SELECT * FROM teacher WHERE email = $1`, email)
	if err != nil {
		return school.Teacher{}, trapNoRowsErr(err, school.ErrTeacherNotFound, "getting teacher by email")
	}
	return tchr, nil
}

func (repo schoolRepository) UpdateTeacher(ctx context.Context, tchr school.Teacher) (school.Teacher, error) {
	res, err := repo.db.NamedExecContext(ctx, `
		UPDATE teacher
		SET name = :name, email = :email, is_active = :is_active, password_hash = :password_hash
		WHERE id = :id`, tchr)
	if err != nil {
		return school.Teacher{}, errors.Wrap(err, "updating teacher")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return school.Teacher{}, school.ErrTeacherNotFound
	}
	return tchr, nil
}

func (repo schoolRepository) CreateGuardian(ctx context.Context, grd school.Guardian) (school.Guardian, error) {
	grd.ID = uuid.New().String()
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO guardian (id, name, email) VALUES (:id, :name, :email)`, grd)
	if err != nil {
		return school.Guardian{}, errors.Wrap(err, "inserting guardian")
	}
	return grd, nil
}

func (repo schoolRepository) GetGuardian(ctx context.Context, id string) (school.Guardian, error) {
	var grd school.Guardian
	err := repo.db.GetContext(ctx, &grd, `SELECT * FROM guardian WHERE id = $1`, id)
	if err != nil {
		return school.Guardian{}, trapNoRowsErr(err, school.ErrGuardianNotFound, "getting guardian")
	}
	return grd, nil
}

func (repo schoolRepository) CreateClassGroup(ctx context.Context, cg school.ClassGroup) (school.ClassGroup, error) {
	cg.ID = uuid.New().String()
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO class_group (id, code, label, school_year)
		VALUES (:id, :code, :label, :school_year)`, cg)
	if err != nil {
		return school.ClassGroup{}, errors.Wrap(err, "inserting class group")
	}
	return cg, nil
}

func (repo schoolRepository) GetClassGroup(ctx context.Context, id string) (school.ClassGroup, error) {
	var cg school.ClassGroup
	err := repo.db.GetContext(ctx, &cg, `SELECT * FROM class_group WHERE id = $1`, id)
	if err != nil {
		return school.ClassGroup{}, trapNoRowsErr(err, school.ErrClassGroupNotFound, "getting class group")
	}
	return cg, nil
}

func (repo schoolRepository) CreateSubject(ctx context.Context, sub school.Subject) (school.Subject, error) {
	sub.ID = uuid.New().String()
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO subject (id, name, code) VALUES (:id, :name, :code)`, sub)
	if err != nil {
		return school.Subject{}, errors.Wrap(err, "inserting subject")
	}
	return sub, nil
}

func (repo schoolRepository) GetSubject(ctx context.Context, id string) (school.Subject, error) {
	var sub school.Subject
	err := repo.db.GetContext(ctx, &sub, `SELECT * FROM subject WHERE id = $1`, id)
	if err != nil {
		return school.Subject{}, trapNoRowsErr(err, school.ErrSubjectNotFound, "getting subject")
	}
	return sub, nil
}

func (repo schoolRepository) CreateMeeting(ctx context.Context, mtg school.CourseMeeting) (school.CourseMeeting, error) {
	mtg.ID = uuid.New().String()
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO course_meeting (id, subject_id, class_group_id, teacher_id, date, starts_at, ends_at, room, status)
		VALUES (:id, :subject_id, :class_group_id, :teacher_id, :date, :starts_at, :ends_at, :room, :status)`, mtg)
	if err != nil {
		return school.CourseMeeting{}, errors.Wrap(err, "inserting course meeting")
	}
	return mtg, nil
}

func (repo schoolRepository) GetMeeting(ctx context.Context, id string) (school.CourseMeeting, error) {
	var mtg school.CourseMeeting
	err := repo.db.GetContext(ctx, &mtg, `SELECT * FROM course_meeting WHERE id = $1`, id)
	if err != nil {
		return school.CourseMeeting{}, trapNoRowsErr(err, school.ErrMeetingNotFound, "getting course meeting")
	}
	return mtg, nil
}

func (repo schoolRepository) QueryTeacherMeetings(ctx context.Context, teacherID string, date time.Time) ([]school.CourseMeeting, error) {
	meetings := make([]school.CourseMeeting, 0)
	err := repo.db.SelectContext(ctx, &meetings, `
		SELECT * FROM course_meeting
		WHERE teacher_id = $1 AND date = $2::date
		ORDER BY starts_at`, teacherID, date)
	if err != nil {
		return nil, errors.Wrap(err, "querying teacher meetings")
	}
	return meetings, nil
}
