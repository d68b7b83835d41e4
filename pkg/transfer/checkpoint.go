package transfer

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/r2northstar/p2pxfer/pkg/wire"
)

// CheckpointSuffix is appended to the output path to form the sidecar's
// path.
const CheckpointSuffix = ".p2pxfer-checkpoint"

// CheckpointPath returns the sidecar path for outputPath.
func CheckpointPath(outputPath string) string {
	return outputPath + CheckpointSuffix
}

// ReadCheckpoint loads the sidecar beside outputPath, if any. ok is false
// (with a nil error) when no sidecar exists.
func ReadCheckpoint(outputPath string) (cp wire.Checkpoint, ok bool, err error) {
	buf, err := os.ReadFile(CheckpointPath(outputPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return wire.Checkpoint{}, false, nil
		}
		return wire.Checkpoint{}, false, err
	}
	cp, err = wire.DecodeCheckpoint(buf)
	if err != nil {
		// A corrupt sidecar is treated as absent, not fatal: the transfer
		// simply restarts from scratch.
		return wire.Checkpoint{}, false, nil
	}
	return cp, true, nil
}

// Matches reports whether an existing checkpoint still describes the file
// currently being offered, per spec.md §4.12 step 2.
func Matches(cp wire.Checkpoint, filename string, fileSize uint64, sha256 [32]byte) bool {
	return cp.Filename == filename && cp.FileSize == fileSize && cp.SHA256 == sha256
}

// WriteCheckpointAtomic rewrites the sidecar beside outputPath via a
// temp-file-then-rename, so a crash mid-write never leaves a half-written
// checkpoint that ReadCheckpoint could misinterpret.
func WriteCheckpointAtomic(outputPath string, cp wire.Checkpoint) error {
	buf, err := wire.EncodeCheckpoint(cp)
	if err != nil {
		return err
	}

	dst := CheckpointPath(outputPath)
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dst)
}

// DeleteCheckpoint removes the sidecar, ignoring a not-exist error.
func DeleteCheckpoint(outputPath string) error {
	err := os.Remove(CheckpointPath(outputPath))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
