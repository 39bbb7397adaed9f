package notification

import "errors"

var (
	// ErrResourceNotFound indicates an operation referenced an unregistered
	// or removed resource.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrResourceExists indicates a registration attempt for a name that is
	// already registered.
	ErrResourceExists = errors.New("resource already registered")

	// ErrServiceClosed indicates the notification service has been shut down.
	ErrServiceClosed = errors.New("notification service closed")
)
