package probe

import "errors"

// ErrProbeNotFound indicates a lookup for an unregistered health-check id.
var ErrProbeNotFound = errors.New("probe not found")
