package wire

import (
	"encoding/binary"
	"fmt"
)

// SackRange is an inclusive range of non-contiguous received sequences.
type SackRange struct {
	Start, End uint32
}

// Sack is the decoded SACK payload: the cumulative ack, the advertised
// receiver window, and any out-of-order ranges above it.
type Sack struct {
	CumulativeAck   uint32
	ReceiverWindow  uint32
	Ranges          []SackRange
}

// EncodeSack renders s as a DATA-less SACK payload.
func EncodeSack(s Sack) []byte {
	buf := make([]byte, 0, 8+8*len(s.Ranges))
	buf = binary.BigEndian.AppendUint32(buf, s.CumulativeAck)
	buf = binary.BigEndian.AppendUint32(buf, s.ReceiverWindow)
	for _, r := range s.Ranges {
		buf = binary.BigEndian.AppendUint32(buf, r.Start)
		buf = binary.BigEndian.AppendUint32(buf, r.End)
	}
	return buf
}

// DecodeSack parses a SACK payload.
func DecodeSack(buf []byte) (Sack, error) {
	if len(buf) < 8 {
		return Sack{}, fmt.Errorf("wire: sack: too short")
	}
	if (len(buf)-8)%8 != 0 {
		return Sack{}, fmt.Errorf("wire: sack: trailing bytes")
	}
	s := Sack{
		CumulativeAck:  binary.BigEndian.Uint32(buf[0:4]),
		ReceiverWindow: binary.BigEndian.Uint32(buf[4:8]),
	}
	for off := 8; off < len(buf); off += 8 {
		s.Ranges = append(s.Ranges, SackRange{
			Start: binary.BigEndian.Uint32(buf[off : off+4]),
			End:   binary.BigEndian.Uint32(buf[off+4 : off+8]),
		})
	}
	return s, nil
}

// DataHeader is the 12-byte subheader prefixed to every DATA payload.
type DataHeader struct {
	ChunkIndex uint32
	ByteOffset uint64
}

// EncodeData renders the chunk_index/byte_offset subheader followed by
// chunk.
func EncodeData(h DataHeader, chunk []byte) []byte {
	buf := make([]byte, 12+len(chunk))
	binary.BigEndian.PutUint32(buf[0:4], h.ChunkIndex)
	binary.BigEndian.PutUint64(buf[4:12], h.ByteOffset)
	copy(buf[12:], chunk)
	return buf
}

// DecodeData splits a DATA payload into its subheader and chunk bytes.
func DecodeData(buf []byte) (DataHeader, []byte, error) {
	if len(buf) < 12 {
		return DataHeader{}, nil, fmt.Errorf("wire: data: too short")
	}
	h := DataHeader{
		ChunkIndex: binary.BigEndian.Uint32(buf[0:4]),
		ByteOffset: binary.BigEndian.Uint64(buf[4:12]),
	}
	return h, buf[12:], nil
}

// FileOffer is the FILE_OFFER payload.
type FileOffer struct {
	TransferID [16]byte
	FileSize   uint64
	SHA256     [32]byte
	Filename   string
}

// EncodeFileOffer renders o as a FILE_OFFER payload.
func EncodeFileOffer(o FileOffer) ([]byte, error) {
	name := []byte(o.Filename)
	if len(name) > 0xFFFF {
		return nil, fmt.Errorf("wire: file offer: filename too long")
	}
	buf := make([]byte, 0, 16+8+32+2+len(name))
	buf = append(buf, o.TransferID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, o.FileSize)
	buf = append(buf, o.SHA256[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, name...)
	return buf, nil
}

// DecodeFileOffer parses a FILE_OFFER payload.
func DecodeFileOffer(buf []byte) (FileOffer, error) {
	if len(buf) < 16+8+32+2 {
		return FileOffer{}, fmt.Errorf("wire: file offer: too short")
	}
	var o FileOffer
	copy(o.TransferID[:], buf[0:16])
	o.FileSize = binary.BigEndian.Uint64(buf[16:24])
	copy(o.SHA256[:], buf[24:56])
	nlen := binary.BigEndian.Uint16(buf[56:58])
	buf = buf[58:]
	if len(buf) != int(nlen) {
		return FileOffer{}, fmt.Errorf("wire: file offer: filename length mismatch")
	}
	o.Filename = string(buf)
	return o, nil
}

// FileAccept is the FILE_ACCEPT payload.
type FileAccept struct {
	TransferID   [16]byte
	ResumeOffset uint64
}

func EncodeFileAccept(a FileAccept) []byte {
	buf := make([]byte, 24)
	copy(buf[0:16], a.TransferID[:])
	binary.BigEndian.PutUint64(buf[16:24], a.ResumeOffset)
	return buf
}

func DecodeFileAccept(buf []byte) (FileAccept, error) {
	if len(buf) != 24 {
		return FileAccept{}, fmt.Errorf("wire: file accept: bad length")
	}
	var a FileAccept
	copy(a.TransferID[:], buf[0:16])
	a.ResumeOffset = binary.BigEndian.Uint64(buf[16:24])
	return a, nil
}

// EncodeComplete renders a COMPLETE payload (the 32-byte digest).
func EncodeComplete(digest [32]byte) []byte {
	buf := make([]byte, 32)
	copy(buf, digest[:])
	return buf
}

// DecodeComplete parses a COMPLETE payload.
func DecodeComplete(buf []byte) ([32]byte, error) {
	var digest [32]byte
	if len(buf) != 32 {
		return digest, fmt.Errorf("wire: complete: bad length")
	}
	copy(digest[:], buf)
	return digest, nil
}
