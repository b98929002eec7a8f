package storage

import "errors"

// ErrUnknownKind is returned by Do for an access kind it does not recognize.
var ErrUnknownKind = errors.New("storage: unknown access kind")

// ErrBadArgs is returned by Do for an args value that cannot be bound.
var ErrBadArgs = errors.New("storage: unsupported args")
