// Package wireproto implements the bit-exact request/response framing for
// the transfer protocol (§4.7, §6): a single length-delimited binary
// request frame, a per-blob size declaration, a stream of chunk frames
// each carrying a verification path, and a terminal frame.
//
// The frames carry no signature or envelope of their own: the Endpoint
// already guarantees a mutually authenticated, confidential,
// integrity-protected stream (§4.6), so everything here is raw
// fixed-layout binary per §6.
package wireproto

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/beamshare/beam/pkg/hashtree"
	"github.com/beamshare/beam/pkg/xferrors"
)

// Opcode tags a Request's intent.
type Opcode byte

const (
	// OpGetBlob requests a single raw blob.
	OpGetBlob Opcode = 0
	// OpGetHashSequence requests a hash-sequence blob and every blob it
	// references, in order, over one round trip.
	OpGetHashSequence Opcode = 1
)

// NotFoundByte is sent alone, immediately after request validation fails
// to find the requested hash, before the stream is closed.
const NotFoundByte = 0xFF

// TerminalIndex marks the terminal (zero-length) chunk frame ending a
// blob's frame stream.
const TerminalIndex = 0xFFFFFFFF

// Request is the client->server request frame: 1 byte opcode, 32 bytes
// hash, 1 byte range-present flag, and if present 8+8 bytes of
// big-endian offset and length.
type Request struct {
	Op    Opcode
	Hash  hashtree.Hash
	Range *Range
}

// Range is an optional byte range within the requested blob.
type Range struct {
	Offset uint64
	Length uint64
}

// WriteRequest serializes and writes a Request frame.
func WriteRequest(w io.Writer, req Request) error {
	buf := make([]byte, 0, 1+32+1+16)
	buf = append(buf, byte(req.Op))
	buf = append(buf, req.Hash[:]...)
	if req.Range != nil {
		buf = append(buf, 1)
		buf = appendUint64(buf, req.Range.Offset)
		buf = appendUint64(buf, req.Range.Length)
	} else {
		buf = append(buf, 0)
	}
	_, err := w.Write(buf)
	if err != nil {
		return xferrors.Network("write request frame", err)
	}
	return nil
}

// ReadRequest parses a Request frame from r. Malformed input is a fatal
// KindIntegrity error; the caller should close the stream without a
// response, per §4.7.
func ReadRequest(r io.Reader) (Request, error) {
	header := make([]byte, 1+32+1)
	if _, err := io.ReadFull(r, header); err != nil {
		return Request{}, xferrors.Integrity("", "malformed request: "+err.Error())
	}
	req := Request{Op: Opcode(header[0])}
	if req.Op != OpGetBlob && req.Op != OpGetHashSequence {
		return Request{}, xferrors.Integrity("", fmt.Sprintf("malformed request: unknown opcode %d", header[0]))
	}
	copy(req.Hash[:], header[1:33])
	if header[33] != 0 {
		rangeBuf := make([]byte, 16)
		if _, err := io.ReadFull(r, rangeBuf); err != nil {
			return Request{}, xferrors.Integrity("", "malformed request: truncated range")
		}
		req.Range = &Range{
			Offset: binary.BigEndian.Uint64(rangeBuf[:8]),
			Length: binary.BigEndian.Uint64(rangeBuf[8:]),
		}
	}
	return req, nil
}

// WriteSizeDeclaration writes the 8-byte big-endian declared size that
// precedes a blob's chunk frames.
func WriteSizeDeclaration(w io.Writer, size uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], size)
	if _, err := w.Write(buf[:]); err != nil {
		return xferrors.Network("write size declaration", err)
	}
	return nil
}

// ReadSizeDeclaration reads the 8-byte declared size starting a blob.
func ReadSizeDeclaration(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, xferrors.Network("read size declaration", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// WriteNotFound writes the single NOT_FOUND byte; the caller closes the
// stream immediately afterward.
func WriteNotFound(w io.Writer) error {
	_, err := w.Write([]byte{NotFoundByte})
	return err
}

// WriteChunk writes one chunk frame: 4-byte big-endian index, 4-byte
// big-endian payload length, payload bytes, then the encoded verification
// path.
func WriteChunk(w io.Writer, index uint32, data []byte, path []hashtree.PathStep) error {
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], index)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(data)))
	if _, err := w.Write(header); err != nil {
		return xferrors.Network("write chunk frame header", err)
	}
	if len(data) > 0 {
		if _, err := w.Write(data); err != nil {
			return xferrors.Network("write chunk frame payload", err)
		}
	}
	if _, err := w.Write(hashtree.EncodePath(path)); err != nil {
		return xferrors.Network("write chunk frame path", err)
	}
	return nil
}

// WriteTerminal writes the terminal frame that ends a blob's chunk stream.
func WriteTerminal(w io.Writer) error {
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], TerminalIndex)
	_, err := w.Write(header)
	if err != nil {
		return xferrors.Network("write terminal frame", err)
	}
	return nil
}

// ChunkFrame is one parsed chunk frame, or the terminal marker via
// Terminal.
type ChunkFrame struct {
	Terminal bool
	Index    uint32
	Data     []byte
	Path     []hashtree.PathStep
}

// ReadChunk reads one chunk frame, determining the verification-path
// length from pathLen (the tree depth at this chunk, known to the reader
// from the declared size and chunk size).
func ReadChunk(r io.Reader, pathLen int) (ChunkFrame, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return ChunkFrame{}, xferrors.Network("read chunk frame header", err)
	}
	index := binary.BigEndian.Uint32(header[0:4])
	length := binary.BigEndian.Uint32(header[4:8])
	if index == TerminalIndex && length == 0 {
		return ChunkFrame{Terminal: true}, nil
	}
	data := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			return ChunkFrame{}, xferrors.Network("read chunk frame payload", err)
		}
	}
	pathBytes := make([]byte, 0)
	for i := 0; i < pathLen; i++ {
		kindByte := make([]byte, 1)
		if _, err := io.ReadFull(r, kindByte); err != nil {
			return ChunkFrame{}, xferrors.Network("read chunk frame path", err)
		}
		pathBytes = append(pathBytes, kindByte[0])
		if hashtree.StepKind(kindByte[0]) != hashtree.StepPassthrough {
			sib := make([]byte, 32)
			if _, err := io.ReadFull(r, sib); err != nil {
				return ChunkFrame{}, xferrors.Network("read chunk frame path", err)
			}
			pathBytes = append(pathBytes, sib...)
		}
	}
	path, err := hashtree.DecodePath(pathBytes)
	if err != nil {
		return ChunkFrame{}, xferrors.Integrity("", err.Error())
	}
	return ChunkFrame{Index: index, Data: data, Path: path}, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
