package transfer

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/r2northstar/p2pxfer/pkg/channel"
	"github.com/r2northstar/p2pxfer/pkg/wire"
)

// Receiver drives the receiver-side state machine of spec.md §4.12 over a
// reliable Channel.
type Receiver struct {
	ch        *channel.Channel
	log       zerolog.Logger
	outputDir string
	progress  Progress

	// OnFileInfo, if set, is invoked once with the offered file's name,
	// size, and whole-file digest, right after FILE_OFFER is decoded.
	OnFileInfo func(name string, size int64, sha256 [32]byte)

	mu                  sync.Mutex
	state               ReceiverState
	control             chan wire.Packet
	outputPath          string
	filename            string
	digest              [32]byte
	bytesWritten        uint64
	fileSize            uint64
	lastCheckpointWrite time.Time
	f                   *os.File
	zdec                *zstd.Decoder

	// checkpointMu serializes every checkpoint sidecar write, per spec.md
	// §4.12's concurrency requirement. checkpointFinal is set under this
	// lock by the digest-mismatch rewrite and the verified delete, so a
	// periodic rewrite goroutine still in flight at that point sees it and
	// skips instead of recreating the sidecar behind the final write.
	checkpointMu    sync.Mutex
	checkpointFinal bool
}

// NewReceiver constructs a Receiver that writes accepted transfers under
// outputDir. progress may be nil.
func NewReceiver(ch *channel.Channel, log zerolog.Logger, outputDir string, progress Progress) *Receiver {
	r := &Receiver{
		ch:        ch,
		log:       log,
		outputDir: outputDir,
		progress:  progress,
		control:   make(chan wire.Packet, 8),
	}
	ch.OnControlPacket(func(pkt wire.Packet) {
		select {
		case r.control <- pkt:
		default:
		}
	})
	return r
}

// State returns the receiver's current lifecycle state.
func (r *Receiver) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Receiver) setState(st ReceiverState) {
	r.mu.Lock()
	r.state = st
	r.mu.Unlock()
}

// Run executes the full WAITING -> RECEIVING -> VERIFYING state machine,
// blocking until it reaches DONE, ERROR, or CANCELLED.
func (r *Receiver) Run(ctx context.Context) error {
	r.setState(ReceiverWaiting)

	offerPkt, err := r.awaitOneOf(ctx, InitialOfferTimeout, wire.TypeFileOffer, wire.TypeCancel)
	if err != nil {
		r.setState(ReceiverError)
		return err
	}
	if offerPkt.Type == wire.TypeCancel {
		r.setState(ReceiverCancelled)
		return ErrCancelled
	}
	offer, err := wire.DecodeFileOffer(offerPkt.Payload)
	if err != nil {
		r.setState(ReceiverError)
		return err
	}
	compressed := offerPkt.Flags&wire.FlagCompressed != 0
	if compressed {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			r.setState(ReceiverError)
			return err
		}
		r.zdec = dec
		defer dec.Close()
	}

	filename, err := SanitizeFilename(offer.Filename)
	if err != nil {
		r.setState(ReceiverError)
		return err
	}
	outputPath := filepath.Join(r.outputDir, filename)
	r.outputPath = outputPath
	r.filename = filename
	r.fileSize = offer.FileSize
	r.digest = offer.SHA256

	if r.OnFileInfo != nil {
		r.OnFileInfo(filename, int64(offer.FileSize), offer.SHA256)
	}

	resumeOffset := uint64(0)
	if cp, ok, err := ReadCheckpoint(outputPath); err == nil && ok {
		if Matches(cp, filename, offer.FileSize, offer.SHA256) {
			resumeOffset = cp.BytesWritten
			r.bytesWritten = resumeOffset
		}
	}

	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		r.setState(ReceiverError)
		return err
	}
	r.f = f
	defer f.Close()
	if err := f.Truncate(int64(offer.FileSize)); err != nil {
		r.setState(ReceiverError)
		return err
	}

	acceptPayload := wire.EncodeFileAccept(wire.FileAccept{TransferID: offer.TransferID, ResumeOffset: resumeOffset})
	if err := r.ch.SendControl(wire.Packet{Type: wire.TypeFileAccept, Payload: acceptPayload}); err != nil {
		r.setState(ReceiverError)
		return err
	}

	if offer.FileSize > 0 {
		r.setState(ReceiverReceiving)
		start := time.Now()
		r.ch.OnDataReceived(func(chunkIndex uint32, byteOffset uint64, bytes []byte, flags wire.Flags) {
			r.onData(byteOffset, bytes, flags, start)
		})
	}

	completePkt, err := r.awaitOneOf(ctx, EndToEndReceiveTimeout, wire.TypeComplete, wire.TypeCancel)
	if err != nil {
		r.setState(ReceiverError)
		return err
	}
	if completePkt.Type == wire.TypeCancel {
		r.setState(ReceiverCancelled)
		return ErrCancelled
	}

	r.setState(ReceiverVerifying)
	if err := f.Close(); err != nil {
		r.setState(ReceiverError)
		return err
	}
	r.f = nil

	verify, err := os.Open(outputPath)
	if err != nil {
		r.setState(ReceiverError)
		return err
	}
	defer verify.Close()
	h := sha256.New()
	if _, err := io.Copy(h, verify); err != nil {
		r.setState(ReceiverError)
		return err
	}
	var got [32]byte
	copy(got[:], h.Sum(nil))

	if subtle.ConstantTimeCompare(got[:], offer.SHA256[:]) != 1 {
		r.checkpointMu.Lock()
		_ = WriteCheckpointAtomic(outputPath, wire.Checkpoint{
			FileSize:     offer.FileSize,
			SHA256:       offer.SHA256,
			BytesWritten: r.bytesWritten,
			Filename:     filename,
		})
		r.checkpointFinal = true
		r.checkpointMu.Unlock()
		r.setState(ReceiverError)
		return ErrDigestMismatch
	}

	if err := r.ch.SendControl(wire.Packet{Type: wire.TypeVerified}); err != nil {
		r.setState(ReceiverError)
		return err
	}
	r.checkpointMu.Lock()
	_ = DeleteCheckpoint(outputPath)
	r.checkpointFinal = true
	r.checkpointMu.Unlock()
	r.setState(ReceiverDone)
	return nil
}

// onData writes one delivered chunk at its absolute byte offset, serialized
// against checkpoint writes, and periodically re-persists the checkpoint
// sidecar. Registered as the channel's DataHandler.
func (r *Receiver) onData(byteOffset uint64, bytes []byte, flags wire.Flags, start time.Time) {
	if flags&wire.FlagCompressed != 0 && r.zdec != nil {
		decoded, err := r.zdec.DecodeAll(bytes, nil)
		if err != nil {
			r.log.Debug().Err(err).Msg("transfer: dropping chunk with bad compressed payload")
			return
		}
		bytes = decoded
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f != nil {
		if _, err := r.f.WriteAt(bytes, int64(byteOffset)); err != nil {
			r.log.Error().Err(err).Msg("transfer: write failed")
			return
		}
	}

	end := byteOffset + uint64(len(bytes))
	if end > r.bytesWritten {
		r.bytesWritten = end
	}

	if r.progress != nil {
		r.progress(int64(r.bytesWritten), int64(r.fileSize), time.Since(start))
	}

	if time.Since(r.lastCheckpointWrite) >= checkpointRewriteInterval {
		r.lastCheckpointWrite = time.Now()
		go func(path, name string, written, size uint64, digest [32]byte) {
			r.checkpointMu.Lock()
			defer r.checkpointMu.Unlock()
			if r.checkpointFinal {
				return
			}
			_ = WriteCheckpointAtomic(path, wire.Checkpoint{
				FileSize:     size,
				SHA256:       digest,
				BytesWritten: written,
				Filename:     name,
			})
		}(r.outputPath, r.filename, r.bytesWritten, r.fileSize, r.digest)
	}
}

func (r *Receiver) awaitOneOf(ctx context.Context, timeout time.Duration, types ...wire.Type) (wire.Packet, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return wire.Packet{}, ctx.Err()
		case <-deadline.C:
			return wire.Packet{}, ErrTimeout
		case pkt := <-r.control:
			for _, t := range types {
				if pkt.Type == t {
					return pkt, nil
				}
			}
		}
	}
}
