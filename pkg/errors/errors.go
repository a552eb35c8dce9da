// Package errors holds the sentinel errors shared by the membership,
// address cache and collective RPC packages. Callers match them with
// errors.Is; packages wrap them with fmt.Errorf("...: %w", err).
package errors

import "errors"

var (
	// ErrUnreachable is returned when an address lookup or a send to a rank fails.
	ErrUnreachable = errors.New("rank is unreachable")

	// ErrTimeout is returned when no reply arrived within the configured bound.
	ErrTimeout = errors.New("request timed out")

	// ErrStaleIncarnation marks a membership update that did not supersede the
	// stored record. It is logged, never returned to callers.
	ErrStaleIncarnation = errors.New("stale incarnation")

	// ErrDuplicateRequest marks a collective request id that was already served.
	// The cached result is returned instead.
	ErrDuplicateRequest = errors.New("duplicate collective request")

	// ErrNotFound is returned by the group directory when a rank has no address.
	ErrNotFound = errors.New("address not found")

	// ErrCanceled is returned by a collective call canceled before it completed.
	ErrCanceled = errors.New("collective canceled")

	// ErrRootNotMember is returned when the root of a collective is not an alive member.
	ErrRootNotMember = errors.New("root is not an alive member of the group")

	// ErrInvalidFanout is returned when a tree is requested with a fan-out below one.
	ErrInvalidFanout = errors.New("fanout must be greater than zero")

	// ErrUnknownOpcode is returned when no handler is registered for an opcode.
	ErrUnknownOpcode = errors.New("unknown opcode")

	// ErrGroupExists is returned when creating a group whose name is taken.
	ErrGroupExists = errors.New("group already exists")

	// ErrGroupNotFound is returned when a group name is not registered.
	ErrGroupNotFound = errors.New("group not found")

	// ErrNotStarted is returned when stopping a component that is not running.
	ErrNotStarted = errors.New("not started")

	// ErrAlreadyStarted is returned when starting a component twice.
	ErrAlreadyStarted = errors.New("already started")

	// ErrStopped is returned when starting a component that was stopped.
	// Stopping is final.
	ErrStopped = errors.New("stopped")

	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("invalid configuration")
)
