package command

import "errors"

var (
	// ErrNotFound means the command token is not in the active table. The
	// dispatcher swallows it so stray prefixed text stays quiet.
	ErrNotFound = errors.New("unknown command")

	// ErrPermissionDenied means the command exists but the caller is not on
	// its allow-list. Always mirrored to the audit path.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrExecutionTimeout means an external script exceeded its budget and
	// was terminated.
	ErrExecutionTimeout = errors.New("command execution timed out")

	// ErrConfigParse means a reload was rejected; the previous table stays
	// active.
	ErrConfigParse = errors.New("config parse error")
)
