package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/masomo-messaging/apps/api/echo"
	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/messaging"
	"github.com/trezcool/masomo-messaging/core/user"
	"github.com/trezcool/masomo-messaging/tests"
)

func setup(t *testing.T) (*commandLine, *testutil.Env, *bytes.Buffer) {
	env := testutil.NewEnv(t)

	validate := validator.New()
	_en := en.New()
	translator, _ := ut.New(_en, _en).GetTranslator("en")
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)

	out := new(bytes.Buffer)
	return &commandLine{
		conf:     &core.Config{SecretKey: "test-secret"},
		usrSvc:   env.UserSvc,
		msgSvc:   env.Svc,
		validate: validate,
		out:      out,
	}, env, out
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
	wantOut    string
}

func runCLITests(t *testing.T, cli *commandLine, out *bytes.Buffer, tests []cliTest) {
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			out.Reset()
			err := cli.run(args)
			switch {
			case tt.wantErr != nil:
				assert.Equal(t, tt.wantErr, err)
			case tt.wantErrStr != "":
				require.Error(t, err)
				assert.Equal(t, tt.wantErrStr, err.Error())
			default:
				require.NoError(t, err)
			}
			if tt.wantOut != "" {
				assert.Contains(t, out.String(), tt.wantOut)
			}
		})
	}
}

func Test_commandLine_usage(t *testing.T) {
	cli, _, out := setup(t)
	runCLITests(t, cli, out, []cliTest{
		{name: "no command", wantErr: errHelp, wantOut: "Usage:"},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp, wantOut: "Usage:"},
		{name: "unknown flag", args: []string{"token", "-lol"}, wantErr: errHelp},
	})
}

func Test_commandLine_migrate(t *testing.T) {
	cli, _, out := setup(t)

	gooseRunFunc = func(command string, db *sql.DB, dir string, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to", "down-to":
			if len(args) == 0 {
				return fmt.Errorf("%s must be of form: goose [OPTIONS] DRIVER DBSTRING %s VERSION", command, command)
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		case "create":
			if len(args) == 0 {
				return fmt.Errorf("create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]")
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	runCLITests(t, cli, out, []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "create: no args", args: []string{"migrate", "create"}, wantErrStr: "create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]"},
		{name: "down-to: non-int arg", args: []string{"migrate", "down-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-to", args: []string{"migrate", "up-to", "1"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "create", args: []string{"migrate", "create", "attachments_index", "sql"}},
	})
}

func Test_commandLine_addUser(t *testing.T) {
	cli, env, out := setup(t)

	runCLITests(t, cli, out, []cliTest{
		{name: "no args", args: []string{"adduser"}, wantErr: errHelp},
		{name: "no name", args: []string{"adduser", "-type", "teacher"}, wantErr: errHelp},
		{
			name: "teacher", args: []string{"adduser", "-id", "t1", "-type", "Teacher", "-name", " Mrs Teacher ", "-email", "T1@School.cd", "-classes", "c1, c2,"},
			wantOut: `added teacher "Mrs Teacher" (t1)`,
		},
		{name: "parent, generated id", args: []string{"adduser", "-type", "parent", "-name", "Parent", "-children", "s1"}, wantOut: "added parent"},
	})

	usr, err := env.UserRepo.GetUser(context.Background(), user.Ref{ID: "t1", Type: user.TypeTeacher})
	require.NoError(t, err)
	assert.Equal(t, "Mrs Teacher", usr.Name)
	assert.Equal(t, "t1@school.cd", usr.Email)
	assert.Equal(t, []string{"c1", "c2"}, usr.ClassIDs)
	assert.True(t, usr.IsActive)

	t.Run("validation", func(t *testing.T) {
		err := cli.run([]string{"admin", "adduser", "-type", "alien", "-name", "Zorg"})
		require.Error(t, err)
		_, ok := err.(validator.ValidationErrors)
		assert.True(t, ok, "got %T", err)

		err = cli.run([]string{"admin", "adduser", "-type", "staff", "-name", "Staff", "-email", "nope"})
		require.Error(t, err)
	})
}

func Test_commandLine_token(t *testing.T) {
	cli, env, out := setup(t)
	cli.conf.JWT.ExpirationDelta = time.Minute
	teacher := testutil.CreateUser(t, env.UserRepo, user.TypeTeacher, "t1", "Mrs Teacher")
	testutil.CreateInactiveUser(t, env.UserRepo, user.TypeStudent, "s1", "Gone")

	runCLITests(t, cli, out, []cliTest{
		{name: "no args", args: []string{"token"}, wantErr: errHelp},
		{name: "unknown type", args: []string{"token", "-type", "alien", "-id", "x"}, wantErrStr: `"alien": unknown user type`},
		{name: "unknown user", args: []string{"token", "-type", "teacher", "-id", "nobody"}, wantErr: user.ErrNotFound},
		{name: "inactive user", args: []string{"token", "-type", "student", "-id", "s1"}, wantErrStr: `student "s1" is not active`},
	})

	out.Reset()
	require.NoError(t, cli.run([]string{"admin", "token", "-type", "teacher", "-id", "t1"}))
	token := strings.TrimSpace(out.String())
	assert.NotEmpty(t, token)

	assert.Len(t, strings.Split(token, "."), 3)

	want, err := echoapi.GenerateToken(cli.conf, echoapi.GetUserClaims(cli.conf, teacher.Identity()))
	require.NoError(t, err)
	assert.Equal(t, strings.SplitN(want, ".", 2)[0], strings.SplitN(token, ".", 2)[0]) // same header
}

func Test_commandLine_reclaim(t *testing.T) {
	cli, env, out := setup(t)
	ctx := context.Background()
	teacher := testutil.CreateUser(t, env.UserRepo, user.TypeTeacher, "t1", "Mrs Teacher")
	student := testutil.CreateUser(t, env.UserRepo, user.TypeStudent, "s1", "Student One")
	conv := testutil.CreateConversation(t, env.Svc, messaging.KindIndividual, teacher, student)

	runCLITests(t, cli, out, []cliTest{
		{name: "nothing to reclaim", args: []string{"reclaim"}, wantOut: "reclaimed 0 conversation(s)"},
	})

	for _, usr := range []user.User{teacher, student} {
		require.NoError(t, env.Svc.Trash(ctx, usr.Identity(), conv.ID))
		require.NoError(t, env.Svc.Purge(ctx, usr.Identity(), conv.ID))
	}
	runCLITests(t, cli, out, []cliTest{
		{name: "purged by everyone", args: []string{"reclaim"}, wantOut: "reclaimed 1 conversation(s)"},
		{name: "already reclaimed", args: []string{"reclaim"}, wantOut: "reclaimed 0 conversation(s)"},
	})
}

func Test_commandLine_expand(t *testing.T) {
	cli, _, out := setup(t)
	_, parseErr := time.Parse(dateLayout, "04/03/2024")

	runCLITests(t, cli, out, []cliTest{
		{name: "no args", args: []string{"expand"}, wantErr: errHelp},
		{name: "bad weekday", args: []string{"expand", "-freq", "weekly", "-weekdays", "9", "-start", "2024-03-04", "-end", "2024-04-01"}, wantErrStr: `invalid weekday "9"`},
		{name: "bad date", args: []string{"expand", "-freq", "daily", "-start", "04/03/2024", "-end", "2024-04-01"}, wantErrStr: "parsing -start: " + parseErr.Error()},
		{
			name: "mondays & wednesdays", args: []string{"expand", "-freq", "weekly", "-weekdays", "1,3", "-count", "3", "-start", "2024-03-04", "-end", "2024-04-01"},
			wantOut: "2024-03-04 Monday\n2024-03-06 Wednesday\n2024-03-11 Monday\n",
		},
		{name: "monthly", args: []string{"expand", "-freq", "monthly", "-start", "2024-01-31", "-end", "2024-05-01"}, wantOut: "2024-01-31 Wednesday\n2024-03-31 Sunday\n"},
	})
}
