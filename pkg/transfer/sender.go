package transfer

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/r2northstar/p2pxfer/pkg/channel"
	"github.com/r2northstar/p2pxfer/pkg/wire"
)

// Sender drives the sender-side state machine of spec.md §4.12 over a
// reliable Channel.
type Sender struct {
	ch       *channel.Channel
	log      zerolog.Logger
	filePath string
	compress bool
	progress Progress

	// OnFileInfo, if set, is invoked once with the offered file's name,
	// size, and whole-file digest, right before the FILE_OFFER is sent.
	OnFileInfo func(name string, size int64, sha256 [32]byte)

	mu      sync.Mutex
	state   SenderState
	control chan wire.Packet
	zenc    *zstd.Encoder
}

// NewSender constructs a Sender for filePath, driven over ch. progress may
// be nil.
func NewSender(ch *channel.Channel, log zerolog.Logger, filePath string, compress bool, progress Progress) *Sender {
	s := &Sender{
		ch:       ch,
		log:      log,
		filePath: filePath,
		compress: compress,
		progress: progress,
		control:  make(chan wire.Packet, 8),
	}
	ch.OnControlPacket(func(pkt wire.Packet) {
		select {
		case s.control <- pkt:
		default:
			// A slow consumer should never block the router's dispatch;
			// drop rather than stall delivery of other packets.
		}
	})
	return s
}

// State returns the sender's current lifecycle state.
func (s *Sender) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sender) setState(st SenderState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run executes the full OFFERING -> TRANSFERRING -> COMPLETING state
// machine, blocking until it reaches DONE, ERROR, or CANCELLED.
func (s *Sender) Run(ctx context.Context) error {
	s.setState(SenderOffering)

	f, err := os.Open(s.filePath)
	if err != nil {
		s.setState(SenderError)
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.setState(SenderError)
		return err
	}
	fileSize := uint64(info.Size())

	digest, err := sha256Digest(f)
	if err != nil {
		s.setState(SenderError)
		return err
	}

	if s.compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			s.setState(SenderError)
			return err
		}
		s.zenc = enc
		defer enc.Close()
		s.ch.SetDataFlags(wire.FlagCompressed)
	}

	var transferID [16]byte
	id := uuid.New()
	copy(transferID[:], id[:])

	if s.OnFileInfo != nil {
		s.OnFileInfo(filepath.Base(s.filePath), int64(fileSize), digest)
	}

	offerPayload, err := wire.EncodeFileOffer(wire.FileOffer{
		TransferID: transferID,
		FileSize:   fileSize,
		SHA256:     digest,
		Filename:   filepath.Base(s.filePath),
	})
	if err != nil {
		s.setState(SenderError)
		return err
	}
	offerPkt := wire.Packet{Type: wire.TypeFileOffer, Payload: offerPayload}
	if s.compress {
		offerPkt.Flags = wire.FlagCompressed
	}
	if err := s.ch.SendControl(offerPkt); err != nil {
		s.setState(SenderError)
		return err
	}

	accept, err := s.awaitOneOf(ctx, InitialOfferTimeout, wire.TypeFileAccept, wire.TypeFileReject, wire.TypeCancel)
	if err != nil {
		s.setState(SenderError)
		return err
	}
	switch accept.Type {
	case wire.TypeFileReject:
		s.setState(SenderCancelled)
		return ErrRejected
	case wire.TypeCancel:
		s.setState(SenderCancelled)
		return ErrCancelled
	}
	fa, err := wire.DecodeFileAccept(accept.Payload)
	if err != nil {
		s.setState(SenderError)
		return err
	}

	s.setState(SenderTransferring)
	start := time.Now()
	chunkSize := s.ch.MaxChunkData()
	if s.compress {
		// Incompressible input comes out of zstd larger than it went in
		// (frame and block headers plus checksum), so leave room for that
		// in the DATA payload.
		chunkSize -= 64
	}
	if chunkSize <= 0 {
		s.setState(SenderError)
		return fmt.Errorf("transfer: channel has no usable send capacity")
	}

	if fileSize > 0 {
		chunkIndex := uint32(fa.ResumeOffset / uint64(chunkSize))
		offset := fa.ResumeOffset
		if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
			s.setState(SenderError)
			return err
		}

		buf := make([]byte, chunkSize)
		var sent int64
		for offset < fileSize {
			n, rerr := io.ReadFull(f, buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if s.compress {
					chunk = s.zenc.EncodeAll(chunk, nil)
				}
				if err := s.ch.SendData(chunkIndex, offset, chunk); err != nil {
					s.setState(SenderError)
					return err
				}
				offset += uint64(n)
				sent += int64(n)
				chunkIndex++
				if s.progress != nil {
					s.progress(sent+int64(fa.ResumeOffset), int64(fileSize), time.Since(start))
				}
			}
			if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
				break
			}
			if rerr != nil {
				s.setState(SenderError)
				return rerr
			}
		}

		if err := s.awaitAllAcked(ctx); err != nil {
			s.setState(SenderError)
			return err
		}
	}

	s.setState(SenderCompleting)
	if err := s.ch.SendControl(wire.Packet{Type: wire.TypeComplete, Payload: wire.EncodeComplete(digest)}); err != nil {
		s.setState(SenderError)
		return err
	}

	verified, err := s.awaitOneOf(ctx, ControlExchangeTimeout, wire.TypeVerified, wire.TypeCancel)
	if err != nil {
		s.setState(SenderError)
		return err
	}
	if verified.Type == wire.TypeCancel {
		s.setState(SenderCancelled)
		return ErrCancelled
	}

	s.setState(SenderDone)
	return nil
}

func (s *Sender) awaitOneOf(ctx context.Context, timeout time.Duration, types ...wire.Type) (wire.Packet, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return wire.Packet{}, ctx.Err()
		case <-deadline.C:
			return wire.Packet{}, ErrTimeout
		case pkt := <-s.control:
			for _, t := range types {
				if pkt.Type == t {
					return pkt, nil
				}
			}
			// Not one we're waiting for; keep waiting.
		}
	}
}

func (s *Sender) awaitAllAcked(ctx context.Context) error {
	if s.ch.InflightCount() == 0 {
		return nil
	}
	done := make(chan struct{})
	var once sync.Once
	s.ch.OnAllAcked(func() { once.Do(func() { close(done) }) })
	if s.ch.InflightCount() == 0 {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(EndToEndReceiveTimeout):
		return ErrTimeout
	}
}

func sha256Digest(f *os.File) ([32]byte, error) {
	var digest [32]byte
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return digest, err
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return digest, err
	}
	copy(digest[:], h.Sum(nil))
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return digest, err
	}
	return digest, nil
}
