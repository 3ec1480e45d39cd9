// Package inmemdb provides map-backed repositories for tests and local
// development. Semantics mirror the SQL repositories, including the atomic
// finalize and the unique (session, student) and (student, meeting, date)
// constraints.
package inmemdb

import (
	"sync"

	"github.com/facetrack/facetrack/core/attendance"
	"github.com/facetrack/facetrack/core/school"
)

type DB struct {
	mutex sync.RWMutex

	students    map[string]school.Student
	teachers    map[string]school.Teacher
	guardians   map[string]school.Guardian
	classGroups map[string]school.ClassGroup
	subjects    map[string]school.Subject
	meetings    map[string]school.CourseMeeting

	sessions  map[string]attendance.Session
	presences map[string]map[string]attendance.PresenceRecord // token -> studentID
	history   []attendance.HistoryEntry

	presencePK int64
	historyPK  int64
}

func NewDB() *DB {
	return &DB{
		students:    make(map[string]school.Student),
		teachers:    make(map[string]school.Teacher),
		guardians:   make(map[string]school.Guardian),
		classGroups: make(map[string]school.ClassGroup),
		subjects:    make(map[string]school.Subject),
		meetings:    make(map[string]school.CourseMeeting),
		sessions:    make(map[string]attendance.Session),
		presences:   make(map[string]map[string]attendance.PresenceRecord),
	}
}
