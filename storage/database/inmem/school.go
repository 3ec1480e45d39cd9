package inmemdb

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/facetrack/facetrack/core/school"
)

type schoolRepository struct {
	db *DB
}

var _ school.Repository = (*schoolRepository)(nil)

func NewSchoolRepository(db *DB) *schoolRepository {
	return &schoolRepository{db: db}
}

func (repo *schoolRepository) CreateStudent(_ context.Context, std school.Student) (school.Student, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	std.ID = uuid.New().String()
	repo.db.students[std.ID] = std
	return std, nil
}

func (repo *schoolRepository) GetStudent(_ context.Context, id string) (school.Student, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if std, ok := repo.db.students[id]; ok {
		return std, nil
	}
	return school.Student{}, school.ErrStudentNotFound
}

func (repo *schoolRepository) GetStudentByMatricule(_ context.Context, matricule string) (school.Student, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	for _, std := range repo.db.students {
		if std.Matricule == matricule {
			return std, nil
		}
	}
	return school.Student{}, school.ErrStudentNotFound
}

func (repo *schoolRepository) QueryEnrolledStudents(_ context.Context, classGroupID string) ([]school.Student, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	students := make([]school.Student, 0)
	for _, std := range repo.db.students {
		if std.ClassGroupID == classGroupID {
			students = append(students, std)
		}
	}
	sort.Slice(students, func(i, j int) bool { return students[i].Name < students[j].Name })
	return students, nil
}

func (repo *schoolRepository) CreateTeacher(_ context.Context, tchr school.Teacher) (school.Teacher, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, t := range repo.db.teachers {
		if t.Email == tchr.Email {
			return school.Teacher{}, school.ErrEmailExists
		}
	}
	tchr.ID = uuid.New().String()
	repo.db.teachers[tchr.ID] = tchr
	return tchr, nil
}

func (repo *schoolRepository) GetTeacher(_ context.Context, id string) (school.Teacher, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if tchr, ok := repo.db.teachers[id]; ok {
		return tchr, nil
	}
	return school.Teacher{}, school.ErrTeacherNotFound
}

func (repo *schoolRepository) GetTeacherByEmail(_ context.Context, email string) (school.Teacher, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	for _, tchr := range repo.db.teachers {
		if tchr.Email == email {
			return tchr, nil
		}
	}
	return school.Teacher{}, school.ErrTeacherNotFound
}

func (repo *schoolRepository) UpdateTeacher(_ context.Context, tchr school.Teacher) (school.Teacher, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.teachers[tchr.ID]; !ok {
		return school.Teacher{}, school.ErrTeacherNotFound
	}
	repo.db.teachers[tchr.ID] = tchr
	return tchr, nil
}

func (repo *schoolRepository) CreateGuardian(_ context.Context, grd school.Guardian) (school.Guardian, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	grd.ID = uuid.New().String()
	repo.db.guardians[grd.ID] = grd
	return grd, nil
}

func (repo *schoolRepository) GetGuardian(_ context.Context, id string) (school.Guardian, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if grd, ok := repo.db.guardians[id]; ok {
		return grd, nil
	}
	return school.Guardian{}, school.ErrGuardianNotFound
}

func (repo *schoolRepository) CreateClassGroup(_ context.Context, cg school.ClassGroup) (school.ClassGroup, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	cg.ID = uuid.New().String()
	repo.db.classGroups[cg.ID] = cg
	return cg, nil
}

func (repo *schoolRepository) GetClassGroup(_ context.Context, id string) (school.ClassGroup, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if cg, ok := repo.db.classGroups[id]; ok {
		return cg, nil
	}
	return school.ClassGroup{}, school.ErrClassGroupNotFound
}

func (repo *schoolRepository) CreateSubject(_ context.Context, sub school.Subject) (school.Subject, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	sub.ID = uuid.New().String()
	repo.db.subjects[sub.ID] = sub
	return sub, nil
}

func (repo *schoolRepository) GetSubject(_ context.Context, id string) (school.Subject, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if sub, ok := repo.db.subjects[id]; ok {
		return sub, nil
	}
	return school.Subject{}, school.ErrSubjectNotFound
}

func (repo *schoolRepository) CreateMeeting(_ context.Context, mtg school.CourseMeeting) (school.CourseMeeting, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	mtg.ID = uuid.New().String()
	repo.db.meetings[mtg.ID] = mtg
	return mtg, nil
}

func (repo *schoolRepository) GetMeeting(_ context.Context, id string) (school.CourseMeeting, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if mtg, ok := repo.db.meetings[id]; ok {
		return mtg, nil
	}
	return school.CourseMeeting{}, school.ErrMeetingNotFound
}

func (repo *schoolRepository) QueryTeacherMeetings(_ context.Context, teacherID string, date time.Time) ([]school.CourseMeeting, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	meetings := make([]school.CourseMeeting, 0)
	for _, mtg := range repo.db.meetings {
		if mtg.TeacherID == teacherID && mtg.IsScheduledOn(date) {
			meetings = append(meetings, mtg)
		}
	}
	sort.Slice(meetings, func(i, j int) bool { return meetings[i].StartsAt.Before(meetings[j].StartsAt) })
	return meetings, nil
}
