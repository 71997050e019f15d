package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist. The state
// store also returns it for records whose stored thread fails validation, so
// a corrupt blob reads the same as an absent one.
var ErrNotFound = errors.New("storage: not found")
