package domain

import "errors"

var (
	// ErrNotFound is returned by stores when a record does not exist for the user.
	ErrNotFound = errors.New("not found")
	// ErrNotConnected means the calendar credential is missing or could not be refreshed.
	ErrNotConnected = errors.New("calendar not connected")
	// ErrRemoteNotFound means the remote calendar event does not exist.
	ErrRemoteNotFound = errors.New("remote event not found")
	// ErrRemoteAPI wraps transient failures of a remote API.
	ErrRemoteAPI = errors.New("remote api error")
	// ErrNoDestination means no calendar could be resolved for an entry.
	ErrNoDestination = errors.New("no destination calendar")
	// ErrConcurrentModification means the entry changed while it was processed.
	ErrConcurrentModification = errors.New("entry modified concurrently")
)
