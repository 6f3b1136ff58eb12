package p2p

import "errors"

var (
	// ErrMalformedRequest indicates that a discovery request could not be decoded
	// or was missing a required field.
	ErrMalformedRequest = errors.New("p2p: malformed discovery request")
	// ErrChainMismatch indicates that the requester belongs to another network.
	ErrChainMismatch = errors.New("p2p: chain id mismatch")
	// ErrRateLimited indicates that the source exceeded its request allowance.
	ErrRateLimited = errors.New("p2p: rate limited")
	// ErrBanned indicates that the source is serving a temporary ban.
	ErrBanned = errors.New("p2p: source banned")
)

// IsMalformed reports whether the error originated from an invalid request.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedRequest) || errors.Is(err, ErrChainMismatch)
}
