package workflow

import "errors"

var (
	ErrNoSteps              = errors.New("workflow: must have at least one step")
	ErrUnresolvedDependency = errors.New("workflow: step references an unknown dependency")
	ErrCyclicDependency     = errors.New("workflow: steps contain a dependency cycle")
	ErrWorkflowNotFound     = errors.New("workflow: not found")
	ErrInvalidTransition    = errors.New("workflow: invalid state transition")
	ErrNoDispatcher         = errors.New("workflow: step has neither a registered action nor a preferred agent type")
)
