package logsvc

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rollbar/rollbar-go"
	rollbarerrors "github.com/rollbar/rollbar-go/errors"
	"github.com/rs/zerolog"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/user"
)

// RollbarLogger reports to rollbar (when enabled) and writes every entry to a zerolog sink.
type RollbarLogger struct {
	zl zerolog.Logger
}

var _ core.Logger = (*RollbarLogger)(nil)

// NewZerolog returns a console logger in debug mode, a JSON one otherwise.
func NewZerolog(conf *core.Config, out ...io.Writer) zerolog.Logger {
	var w io.Writer = os.Stdout
	if len(out) > 0 {
		w = out[0]
	}
	zerolog.TimeFieldFormat = time.RFC3339

	if conf.Debug {
		return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).
			With().
			Timestamp().
			Str("app", conf.AppName).
			Logger()
	}
	return zerolog.New(w).
		With().
		Timestamp().
		Str("app", conf.AppName).
		Str("env", conf.Env).
		Str("build", conf.Build).
		Logger()
}

func NewRollbarLogger(zl zerolog.Logger, conf *core.Config) *RollbarLogger {
	rollbar.SetToken(conf.RollbarToken)
	rollbar.SetEnvironment(conf.Env)
	rollbar.SetServerHost(conf.Server.Host)
	rollbar.SetCodeVersion(conf.Build)
	rollbar.SetEnabled(conf.RollbarToken != "" && !conf.TestMode)
	rollbar.SetStackTracer(rollbarerrors.StackTracer)
	return &RollbarLogger{zl: zl}
}

// NewNopLogger discards everything, for tests.
func NewNopLogger() *RollbarLogger {
	rollbar.SetEnabled(false)
	return &RollbarLogger{zl: zerolog.Nop()}
}

func (l RollbarLogger) Enable(enabled bool) {
	rollbar.SetEnabled(enabled)
}

// expected fmt: msg | error, map[string]interface{}, user.Identity
func (l RollbarLogger) prepare(msg string, args []interface{}) ([]interface{}, *user.Identity) {
	var ident *user.Identity
	newArgs := make([]interface{}, 0, len(args)+1)
	newArgs = append(newArgs, msg)
	for _, arg := range args {
		// set the current user
		if id, ok := arg.(user.Identity); ok {
			if ident == nil { // only set one user
				ident = &id
				rollbar.SetPerson(id.Ref().String(), id.DisplayName, "")
			}
		} else {
			newArgs = append(newArgs, arg)
		}
	}
	if ident == nil {
		rollbar.ClearPerson()
	}
	return newArgs, ident
}

func (l RollbarLogger) write(evt *zerolog.Event, msg string, args []interface{}, ident *user.Identity) {
	if ident != nil {
		evt = evt.Str("user", ident.Ref().String())
	}
	for i, arg := range args {
		switch a := arg.(type) {
		case error:
			evt = evt.Err(a)
		case map[string]interface{}:
			evt = evt.Fields(a)
		case string:
			if i > 0 { // args[0] is msg
				evt = evt.Str(fmt.Sprintf("arg%d", i), a)
			}
		default:
			evt = evt.Interface(fmt.Sprintf("arg%d", i), a)
		}
	}
	evt.Msg(msg)
}

func (l RollbarLogger) Debug(msg string, args ...interface{}) {
	newArgs, ident := l.prepare(msg, args)
	rollbar.Debug(newArgs...)
	l.write(l.zl.Debug(), msg, newArgs, ident)
}

func (l RollbarLogger) Info(msg string, args ...interface{}) {
	newArgs, ident := l.prepare(msg, args)
	rollbar.Info(newArgs...)
	l.write(l.zl.Info(), msg, newArgs, ident)
}

func (l RollbarLogger) Warn(msg string, args ...interface{}) {
	newArgs, ident := l.prepare(msg, args)
	rollbar.Warning(newArgs...)
	l.write(l.zl.Warn(), msg, newArgs, ident)
}

func (l RollbarLogger) Error(msg string, args ...interface{}) {
	newArgs, ident := l.prepare(msg, args)
	rollbar.Error(newArgs...)
	l.write(l.zl.Error(), msg, newArgs, ident)
}

func (l RollbarLogger) Fatal(msg string, args ...interface{}) {
	newArgs, ident := l.prepare(msg, args)
	rollbar.Critical(newArgs...)
	rollbar.Wait()
	l.write(l.zl.Fatal(), msg, newArgs, ident)
}
