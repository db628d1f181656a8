package core

// Logger is the app wide logging contract.
// args may hold errors, extra data maps and the current user (as a user.Identity) for error reporting.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}
