package coordination

import "errors"

var (
	ErrAgentNotFound      = errors.New("coordination: agent not found")
	ErrAgentLimit         = errors.New("coordination: fleet is at max agents")
	ErrSessionNotFound    = errors.New("coordination: collaboration session not found")
	ErrSessionLimit       = errors.New("coordination: max collaboration sessions reached")
	ErrActionDenied       = errors.New("coordination: action denied by rule")
	ErrNoFactoryForType   = errors.New("coordination: no agent factory registered for type")
)
