package main

import (
	"context"

	"github.com/facetrack/facetrack/core/school"
)

// addTeacher creates a teacher account, or resets the password of an
// existing one so the command is safe to re-run.
func (cli *commandLine) addTeacher(name, email, pwd string) error {
	ctx := context.Background()

	_, err := cli.schoolSvc.CreateTeacher(ctx, school.Teacher{Name: name, Email: email}, pwd)
	if err == school.ErrEmailExists {
		_, err = cli.schoolSvc.ResetTeacherPassword(ctx, email, pwd)
	}
	return err
}
