// Package transfer implements the sender and receiver file-transfer state
// machines spec.md §4.12 describes, built on top of pkg/channel's reliable
// data stream.
package transfer

import (
	"errors"
	"time"
)

// SenderState is one state in the sender's lifecycle.
type SenderState int

const (
	SenderOffering SenderState = iota
	SenderTransferring
	SenderCompleting
	SenderDone
	SenderError
	SenderCancelled
)

func (s SenderState) String() string {
	switch s {
	case SenderOffering:
		return "OFFERING"
	case SenderTransferring:
		return "TRANSFERRING"
	case SenderCompleting:
		return "COMPLETING"
	case SenderDone:
		return "DONE"
	case SenderError:
		return "ERROR"
	case SenderCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// ReceiverState is one state in the receiver's lifecycle.
type ReceiverState int

const (
	ReceiverWaiting ReceiverState = iota
	ReceiverReceiving
	ReceiverVerifying
	ReceiverDone
	ReceiverError
	ReceiverCancelled
)

func (s ReceiverState) String() string {
	switch s {
	case ReceiverWaiting:
		return "WAITING"
	case ReceiverReceiving:
		return "RECEIVING"
	case ReceiverVerifying:
		return "VERIFYING"
	case ReceiverDone:
		return "DONE"
	case ReceiverError:
		return "ERROR"
	case ReceiverCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Timeouts for the state machines' suspension points, per spec.md §5.
const (
	ControlExchangeTimeout = 30 * time.Second
	InitialOfferTimeout    = 120 * time.Second
	EndToEndReceiveTimeout = 600 * time.Second

	// checkpointRewriteInterval is how often the receiver re-persists its
	// checkpoint sidecar while RECEIVING.
	checkpointRewriteInterval = 2 * time.Second
)

// Progress is invoked by the sender after each chunk is handed to the
// channel (not when it is acked) and by the receiver after each delivered
// chunk is written.
type Progress func(bytesDone, total int64, elapsed time.Duration)

// ErrRejected is returned by the sender when the peer sends FILE_REJECT.
var ErrRejected = errors.New("transfer: offer rejected by peer")

// ErrTimeout is returned when a state machine's suspension point exceeds
// its bound without the expected control packet arriving.
var ErrTimeout = errors.New("transfer: timed out waiting for peer")

// ErrDigestMismatch is returned by the receiver when the reassembled file's
// SHA-256 does not match the offered digest.
var ErrDigestMismatch = errors.New("transfer: digest mismatch")

// ErrCancelled is returned when the peer sends CANCEL mid-transfer.
var ErrCancelled = errors.New("transfer: cancelled by peer")
