package main

import (
	"context"
)

func (cli *commandLine) resetPassword(email, pwd string) error {
	_, err := cli.schoolSvc.ResetTeacherPassword(context.Background(), email, pwd)
	return err
}
