package shared

import "errors"

// ErrUnauthenticated indicates that no actor identity is attached to the request.
var ErrUnauthenticated = errors.New("unauthenticated")
