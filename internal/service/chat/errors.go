package chat

import "errors"

var (
	// ErrInvalidInput is returned when message text is empty after trimming.
	// The session is left unchanged.
	ErrInvalidInput = errors.New("message text must not be empty")

	// ErrUnexpectedState flags an assistant message appended while no user
	// message was awaiting a reply. It is advisory: the message is still
	// appended and returned alongside the error.
	ErrUnexpectedState = errors.New("assistant message appended while session was idle")

	ErrSessionClosed   = errors.New("session closed")
	ErrSessionNotFound = errors.New("session not found")
)
