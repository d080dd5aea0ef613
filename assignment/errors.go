package assignment

import "errors"

var (
	ErrNoCandidates    = errors.New("assignment: no eligible agent for task")
	ErrAgentNotFound   = errors.New("assignment: agent not found")
	ErrExecutionNotFound = errors.New("assignment: execution not found")
)
