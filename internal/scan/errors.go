package scan

import "errors"

var (
	ErrAlreadyRunning  = errors.New("scan already running")
	ErrNotRunning      = errors.New("no scan running")
	ErrIndexOutOfRange = errors.New("result index out of range")
	ErrUnknownItem     = errors.New("unknown result item")
	ErrDeletionFailed  = errors.New("deletion failed")
	ErrMoveFailed      = errors.New("move failed")
)

// DeleteError is returned by PhotoSource.DeleteAssets when only some of the
// assets were removed. Deleted lists the ones that are gone.
type DeleteError struct {
	Deleted []AssetRef
	Err     error
}

func (e *DeleteError) Error() string {
	return e.Err.Error()
}

func (e *DeleteError) Unwrap() error {
	return e.Err
}
