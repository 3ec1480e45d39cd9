package main

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetrack/facetrack/core/school"
	inmemdb "github.com/facetrack/facetrack/storage/database/inmem"
)

func setup(t *testing.T) *commandLine {
	t.Helper()

	readPasswordFunc = func(fd int) ([]byte, error) { return []byte("s3cr3t"), nil }

	return &commandLine{
		db:        &sqlx.DB{},
		schoolSvc: school.NewService(inmemdb.NewSchoolRepository(inmemdb.NewDB())),
	}
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
}

func Test_commandLine_run(t *testing.T) {
	cli := setup(t)

	tests := []cliTest{
		{name: "no command", args: []string{}, wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "addteacher: no flags", args: []string{"addteacher"}, wantErr: errHelp},
		{name: "addteacher: missing email", args: []string{"addteacher", "-name", "Mme Kalala"}, wantErr: errHelp},
		{name: "addteacher", args: []string{"addteacher", "-name", "Mme Kalala", "-email", "kalala@test.cd"}},
		{name: "resetpassword: no flags", args: []string{"resetpassword"}, wantErr: errHelp},
		{name: "resetpassword: unknown email", args: []string{"resetpassword", "-email", "lol@test.cd"}, wantErr: school.ErrTeacherNotFound},
		{name: "resetpassword", args: []string{"resetpassword", "-email", "kalala@test.cd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cli.run(append([]string{"admin"}, tt.args...))
			if tt.wantErr != nil {
				assert.Equal(t, tt.wantErr, err)
				return
			}
			assert.NoError(t, err)
		})
	}

	tchr, err := cli.schoolSvc.GetTeacherByEmail(context.Background(), "kalala@test.cd")
	require.NoError(t, err)
	assert.Equal(t, "Mme Kalala", tchr.Name)
	assert.NoError(t, tchr.CheckPassword("s3cr3t"))
}

func Test_commandLine_addTeacher_idempotent(t *testing.T) {
	cli := setup(t)
	ctx := context.Background()

	require.NoError(t, cli.addTeacher("Mme Kalala", "kalala@test.cd", "first"))
	require.NoError(t, cli.addTeacher("Mme Kalala", "kalala@test.cd", "second"))

	tchr, err := cli.schoolSvc.GetTeacherByEmail(ctx, "kalala@test.cd")
	require.NoError(t, err)
	assert.NoError(t, tchr.CheckPassword("second"))
}

func Test_commandLine_migrate(t *testing.T) {
	cli := setup(t)

	gooseRunFunc = func(command string, db *sql.DB, dir string, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "redo", "reset", "status", "version": // pass
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	tests := []cliTest{
		{name: "defaults to up", args: []string{"migrate"}},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cli.run(append([]string{"admin"}, tt.args...))
			if tt.wantErrStr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErrStr, err.Error())
				return
			}
			assert.NoError(t, err)
		})
	}
}
