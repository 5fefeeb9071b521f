package session

import "errors"

var (
	ErrInvalidIdentifier = errors.New("client identifier exceeds capacity")
	ErrCapacity          = errors.New("pending subscription capacity exceeded")
)
