package apperr

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrConflict          = errors.New("conflict")
	ErrInvalidIndex      = errors.New("invalid cell index")
	ErrKernelUnavailable = errors.New("no kernel available")
	ErrKernelConnect     = errors.New("kernel connect failed")
	ErrExecutionTimeout  = errors.New("execution timed out")
	ErrSessionDead       = errors.New("kernel session is shut down")
	ErrUserDeclined      = errors.New("kernel selection declined")
	ErrNothingToUndo     = errors.New("nothing to undo")
	ErrNothingToRedo     = errors.New("nothing to redo")
)
