package filemgr

import "errors"

var (
	ErrLockConflict     = errors.New("filemgr: path is locked by another agent")
	ErrLockLimit        = errors.New("filemgr: agent has reached its lock limit")
	ErrNotLocked        = errors.New("filemgr: agent does not hold a lock on this path")
	ErrConflictNotFound = errors.New("filemgr: conflict not found")
	ErrUnknownStrategy  = errors.New("filemgr: unknown resolution strategy")
)
