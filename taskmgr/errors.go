package taskmgr

import "errors"

var (
	ErrTaskNotFound      = errors.New("taskmgr: task not found")
	ErrCyclicDependency  = errors.New("taskmgr: dependency would create a cycle")
	ErrDependencyMissing = errors.New("taskmgr: dependency task not found")
	ErrInvalidTransition = errors.New("taskmgr: invalid status transition")
	ErrNotAssigned       = errors.New("taskmgr: task is not assigned to an agent")
)
