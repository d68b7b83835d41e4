package wire

import (
	"encoding/binary"
	"fmt"
)

// CheckpointMagic and CheckpointVersion identify the partial-transfer
// sidecar format.
const (
	CheckpointMagic   uint32 = 0x50325052 // "P2PR"
	CheckpointVersion uint32 = 1
)

// Checkpoint is the decoded sidecar written beside a partially-received
// output file.
type Checkpoint struct {
	FileSize     uint64
	SHA256       [32]byte
	BytesWritten uint64
	Filename     string
}

// EncodeCheckpoint renders c as the on-disk sidecar format.
func EncodeCheckpoint(c Checkpoint) ([]byte, error) {
	name := []byte(c.Filename)
	if len(name) > 0xFFFF {
		return nil, fmt.Errorf("wire: checkpoint: filename too long")
	}
	buf := make([]byte, 0, 4+4+8+32+8+2+len(name))
	buf = binary.BigEndian.AppendUint32(buf, CheckpointMagic)
	buf = binary.BigEndian.AppendUint32(buf, CheckpointVersion)
	buf = binary.BigEndian.AppendUint64(buf, c.FileSize)
	buf = append(buf, c.SHA256[:]...)
	buf = binary.BigEndian.AppendUint64(buf, c.BytesWritten)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, name...)
	return buf, nil
}

// DecodeCheckpoint parses the on-disk sidecar format.
func DecodeCheckpoint(buf []byte) (Checkpoint, error) {
	const fixed = 4 + 4 + 8 + 32 + 8 + 2
	if len(buf) < fixed {
		return Checkpoint{}, fmt.Errorf("wire: checkpoint: too short")
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != CheckpointMagic {
		return Checkpoint{}, fmt.Errorf("wire: checkpoint: bad magic")
	}
	version := binary.BigEndian.Uint32(buf[4:8])
	if version != CheckpointVersion {
		return Checkpoint{}, fmt.Errorf("wire: checkpoint: unsupported version %d", version)
	}
	var c Checkpoint
	c.FileSize = binary.BigEndian.Uint64(buf[8:16])
	copy(c.SHA256[:], buf[16:48])
	c.BytesWritten = binary.BigEndian.Uint64(buf[48:56])
	nlen := binary.BigEndian.Uint16(buf[56:58])
	buf = buf[58:]
	if len(buf) != int(nlen) {
		return Checkpoint{}, fmt.Errorf("wire: checkpoint: filename length mismatch")
	}
	c.Filename = string(buf)
	return c, nil
}
