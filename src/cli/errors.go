package cli

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/Blackdeer1524/CipherKV/src/app"
	"github.com/Blackdeer1524/CipherKV/src/db"
)

const (
	ExitCodeSuccess    = 0
	ExitCodeGeneric    = 1
	ExitCodeUsage      = 2
	ExitCodeNotFound   = 3
	ExitCodeAuthFailed = 4
	ExitCodeCorrupt    = 5
	ExitCodeIO         = 6
)

type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ExitError) ExitCode() int {
	if e == nil {
		return ExitCodeGeneric
	}
	return e.Code
}

func asExitError(code int, err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}
	return &ExitError{Code: code, Err: err}
}

func usageErrorf(format string, args ...any) error {
	return &ExitError{Code: ExitCodeUsage, Err: fmt.Errorf(format, args...)}
}

func mapCommandError(err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}

	var pathErr *fs.PathError
	switch {
	case errors.Is(err, db.ErrAuthenticationFailure):
		return asExitError(ExitCodeAuthFailed, err)
	case errors.Is(err, db.ErrCorruptPage):
		return asExitError(ExitCodeCorrupt, err)
	case errors.Is(err, db.ErrNoSuchPage),
		errors.Is(err, db.ErrPageFree),
		errors.Is(err, db.ErrInvalidPage):
		return asExitError(ExitCodeNotFound, err)
	case errors.Is(err, app.ErrInvalidConfig),
		errors.Is(err, app.ErrNoKey),
		errors.Is(err, db.ErrInvalidOptions),
		errors.Is(err, db.ErrPayloadTooLarge):
		return asExitError(ExitCodeUsage, err)
	case errors.Is(err, db.ErrIO),
		errors.Is(err, db.ErrOutOfSpace),
		errors.As(err, &pathErr):
		return asExitError(ExitCodeIO, err)
	default:
		return asExitError(ExitCodeGeneric, err)
	}
}
