package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrContextHung is returned by operations that are refused because the owning engine context stopped
// responding. It is terminal for the context.
var ErrContextHung error = errors.New("engine context is hung")

// ErrInvalidHandle is returned when an allocation handle no longer refers to a live allocation
var ErrInvalidHandle error = errors.New("allocation handle is stale or invalid")

// ErrUnknownFamily is returned when a hardware family has no entry in the registry used by a device
var ErrUnknownFamily error = errors.New("hardware family is not registered")
