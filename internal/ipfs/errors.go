package ipfs

import "errors"

// Typed errors for kubo API operations.
// These allow callers to use errors.Is() for reliable error detection
// instead of fragile string matching.
var (
	// ErrBackendUnreachable indicates the kubo node could not be reached at all
	// (connection refused, DNS failure, timeout). Read paths degrade to cache
	// on this error; write paths surface it to the caller.
	ErrBackendUnreachable = errors.New("ipfs backend unreachable")

	// ErrNotFound indicates the requested MFS path or CID does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPubSubUnavailable indicates the node rejected a pubsub call, typically
	// because the experimental pubsub feature is disabled on the node.
	ErrPubSubUnavailable = errors.New("pubsub unavailable")
)

// IsUnreachable returns true if the error means the kubo node is down, as
// opposed to the node answering with a negative result.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrBackendUnreachable)
}
