package identity

import "errors"

var (
	ErrNotFound               = errors.New("identity: not found")
	ErrInvalidInput           = errors.New("identity: invalid input")
	ErrAlreadyExists          = errors.New("identity: already exists")
	ErrConcurrentModification = errors.New("identity: concurrent modification")
)
