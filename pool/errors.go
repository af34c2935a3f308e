package pool

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bundlekit/oppool/types"
)

var (
	// ErrChannelClosed is returned by handle operations once the runner has
	// shut down and the request channel no longer accepts traffic.
	ErrChannelClosed = errors.New("pool server channel closed")

	// ErrUnexpectedResponse indicates the runner answered a request with a
	// response of the wrong kind. This is an internal bug, not a remote
	// failure.
	ErrUnexpectedResponse = errors.New("unexpected pool response variant")

	// ErrSubscriptionClosed ends a new-head subscription stream once the
	// underlying broadcast has been closed.
	ErrSubscriptionClosed = errors.New("new heads subscription closed")

	// ErrAlreadyRunning is returned when Run is invoked on a consumed
	// builder.
	ErrAlreadyRunning = errors.New("pool builder already consumed by Run")
)

// UnknownEntryPointError rejects requests routed to an EntryPoint the server
// was not configured with.
type UnknownEntryPointError struct {
	EntryPoint common.Address
}

func (e *UnknownEntryPointError) Error() string {
	return fmt.Sprintf("unknown entry point %s", e.EntryPoint.Hex())
}

// InvalidVersionError rejects an operation whose version tag disagrees with
// the target mempool's declared version.
type InvalidVersionError struct {
	Got  types.EntryPointVersion
	Want types.EntryPointVersion
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("invalid user operation version %s, entry point requires %s", e.Got, e.Want)
}

// LaggedError tells a subscriber that Skipped broadcast items were dropped
// because its buffer was full. Non-fatal; the next receive resumes the
// stream.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("new heads subscription lagged, skipped %d heads", e.Skipped)
}
