// Package frame implements RemoShell's length-prefixed wire framing with
// opportunistic LZ4 compression. The wire shape is fixed byte for byte;
// both ends of a connection must agree on it exactly.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v3"

	"github.com/remoshell/remoshelld/internal/rerr"
)

var magic = [4]byte{'R', 'M', 'S', 'H'}

const (
	// HeaderSize is magic(4) + content_length(4).
	HeaderSize = 8
	// FlagCompressed marks payload as LZ4-compressed on the wire.
	FlagCompressed byte = 1 << 0

	// MaxFrameSize is the total on-wire size cap (header + flags + payload).
	MaxFrameSize = 16 * 1024 * 1024

	// compressMinPayload is the smallest payload size compression is even
	// attempted for; below this LZ4 framing overhead isn't worth it.
	compressMinPayload = 1024
)

// Frame is a decoded message: flags plus the payload the caller gave us
// (never the wire-compressed bytes — decode always hands back plaintext).
type Frame struct {
	Flags   byte
	Payload []byte
}

// Encode serializes f to the wire format:
//
//	offset  size  field
//	0       4     magic "RMSH"
//	4       4     content_length (covers flags + payload)
//	8       1     flags
//	9       N-1   payload (LZ4 if FlagCompressed, with a 4-byte
//	              big-endian uncompressed-size prefix ahead of the block)
//
// Compression is applied only when the payload exceeds 1024 bytes AND the
// LZ4 output is strictly smaller than the input; otherwise the frame goes
// out uncompressed even if FlagCompressed was requested in f.Flags.
// Encode fails with FrameTooLarge when header + flags + the uncompressed
// payload exceed MaxFrameSize, whether or not the payload would compress.
func Encode(f Frame) ([]byte, error) {
	flags := f.Flags &^ FlagCompressed
	payload := f.Payload

	if raw := HeaderSize + 1 + len(f.Payload); raw > MaxFrameSize {
		return nil, rerr.New(rerr.FrameTooLarge, "frame.encode", fmt.Errorf("frame of %d bytes exceeds %d", raw, MaxFrameSize))
	}

	if len(f.Payload) > compressMinPayload {
		compressed, ok, err := compress(f.Payload)
		if err != nil {
			return nil, rerr.New(rerr.InternalError, "frame.encode", err)
		}
		if ok {
			flags |= FlagCompressed
			payload = compressed
		}
	}

	contentLen := 1 + len(payload)
	total := HeaderSize + contentLen
	if total > MaxFrameSize {
		return nil, rerr.New(rerr.FrameTooLarge, "frame.encode", fmt.Errorf("frame of %d bytes exceeds %d", total, MaxFrameSize))
	}

	buf := make([]byte, total)
	copy(buf[0:4], magic[:])
	binary.BigEndian.PutUint32(buf[4:8], uint32(contentLen))
	buf[8] = flags
	copy(buf[9:], payload)
	return buf, nil
}

// compress prepends a 4-byte big-endian uncompressed-size prefix to the LZ4
// block so Decode can size its output buffer without guessing, then reports
// whether the result was strictly smaller than the input.
func compress(payload []byte) ([]byte, bool, error) {
	bound := lz4.CompressBlockBound(len(payload))
	dst := make([]byte, 4+bound)
	binary.BigEndian.PutUint32(dst[0:4], uint32(len(payload)))

	var ht [1 << 16]int
	n, err := lz4.CompressBlock(payload, dst[4:], ht[:])
	if err != nil {
		return nil, false, err
	}
	if n == 0 || 4+n >= len(payload) {
		return nil, false, nil
	}
	return dst[:4+n], true, nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("compressed payload shorter than size prefix")
	}
	uncompressedSize := binary.BigEndian.Uint32(data[0:4])
	dst := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(data[4:], dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

// Decode parses exactly one frame from the front of buf, returning the
// frame and the number of bytes consumed. It fails with InvalidMagic-class
// errors on a malformed header, and also returns an error when buf holds
// only a partial frame; TryDecode reports that case as (Frame{}, 0, nil).
func Decode(buf []byte) (Frame, int, error) {
	f, n, err := tryDecode(buf)
	if err != nil {
		return Frame{}, 0, err
	}
	if n == 0 {
		return Frame{}, 0, rerr.New(rerr.InternalError, "frame.decode", fmt.Errorf("insufficient bytes for a complete frame"))
	}
	return f, n, nil
}

// TryDecode parses the next frame from buf if a complete one is present,
// returning (Frame{}, 0, nil) when buf holds fewer bytes than a full frame
// requires. A malformed header (bad magic, oversize) is still a hard error.
func TryDecode(buf []byte) (Frame, int, error) {
	return tryDecode(buf)
}

func tryDecode(buf []byte) (Frame, int, error) {
	if len(buf) < HeaderSize {
		return Frame{}, 0, nil
	}
	if buf[0] != magic[0] || buf[1] != magic[1] || buf[2] != magic[2] || buf[3] != magic[3] {
		return Frame{}, 0, rerr.New(rerr.InternalError, "frame.decode", fmt.Errorf("invalid magic bytes"))
	}
	contentLen := binary.BigEndian.Uint32(buf[4:8])
	total := HeaderSize + int(contentLen)
	if total > MaxFrameSize {
		return Frame{}, 0, rerr.New(rerr.FrameTooLarge, "frame.decode", fmt.Errorf("frame of %d bytes exceeds %d", total, MaxFrameSize))
	}
	if contentLen < 1 {
		return Frame{}, 0, rerr.New(rerr.InternalError, "frame.decode", fmt.Errorf("content_length must cover at least the flags byte"))
	}
	if len(buf) < total {
		return Frame{}, 0, nil
	}

	flags := buf[HeaderSize]
	payload := buf[HeaderSize+1 : total]

	if flags&FlagCompressed != 0 {
		decompressed, err := decompress(payload)
		if err != nil {
			return Frame{}, 0, rerr.New(rerr.InternalError, "frame.decode", fmt.Errorf("decompress: %w", err))
		}
		payload = decompressed
		flags &^= FlagCompressed
	}

	// Decode always hands the caller a defensive copy so it can't alias buf.
	out := make([]byte, len(payload))
	copy(out, payload)

	return Frame{Flags: flags, Payload: out}, total, nil
}
