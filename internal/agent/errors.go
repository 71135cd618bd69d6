package agent

import "errors"

var (
	// ErrBrainNotInitialized is returned when an operation targets a
	// thread whose brain has not been created by a session entry.
	ErrBrainNotInitialized = errors.New("brain not initialized")

	// ErrStreamActive is returned when a second workflow is requested on
	// a thread that is already streaming.
	ErrStreamActive = errors.New("stream already active on thread")
)
