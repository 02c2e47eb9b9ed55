package bootstrap

import "errors"

var (
	// ErrMalformedFrame reports a protocol violation by the remote peer.
	// The connection is dropped and not re-pooled.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrSlowStream reports throughput below the floor after warmup.
	ErrSlowStream = errors.New("stream too slow")

	// ErrStopped reports external cancellation of the owning attempt.
	ErrStopped = errors.New("attempt stopped")

	// ErrFrontierUnconfirmed reports that too little representative weight
	// endorses the peer's frontier view.
	ErrFrontierUnconfirmed = errors.New("frontier confirmation failed")

	// ErrPoolSaturated reports that no connection slot freed before the
	// attempt stopped.
	ErrPoolSaturated = errors.New("connection pool saturated")
)
