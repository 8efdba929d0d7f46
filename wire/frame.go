package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strconv"
)

// Frame is one length-prefixed unit of the protocol.
// The size field on the wire is TypeLen + len(Payload).
type Frame struct {
	Type    FrameType
	Payload []byte
}

// Size returns the value of the size field for this frame.
func (f Frame) Size() int {
	return TypeLen + len(f.Payload)
}

// IsHeartbeat reports whether the frame is a heartbeat response.
func (f Frame) IsHeartbeat() bool {
	return f.Type == FrameTypeResponse && bytes.Equal(f.Payload, ResponseHeartbeat)
}

// IsOK reports whether the frame is a plain OK response.
func (f Frame) IsOK() bool {
	return f.Type == FrameTypeResponse && bytes.Equal(f.Payload, ResponseOK)
}

// DecodeFrame decodes the first frame in buf.
//
// Returns the frame and the number of bytes consumed. When buf holds less than a
// whole frame it returns ErrNeedMoreData and consumes nothing. A declared size of
// zero, an unknown frame type or a size above DefaultMaxFrameSize return a
// *MalformedFrameError.
//
// The returned payload aliases buf.
func DecodeFrame(buf []byte) (Frame, int, error) {
	return decodeFrame(buf, DefaultMaxFrameSize)
}

func decodeFrame(buf []byte, maxSize int) (Frame, int, error) {
	if len(buf) < SizeLen {
		return Frame{}, 0, ErrNeedMoreData
	}

	size := binary.BigEndian.Uint32(buf[:SizeLen])
	if size == 0 {
		return Frame{}, 0, &MalformedFrameError{Message: "declared size is zero"}
	}
	if size < TypeLen {
		return Frame{}, 0, &MalformedFrameError{Message: "declared size " + strconv.FormatUint(uint64(size), 10) + " shorter than frame type"}
	}
	if maxSize > 0 && uint64(size) > uint64(maxSize) {
		return Frame{}, 0, &MalformedFrameError{Message: "declared size " + strconv.FormatUint(uint64(size), 10) + " exceeds limit"}
	}

	// The type is checked as soon as it is available so a desync is reported
	// without waiting for a bogus payload length to arrive.
	if len(buf) >= HeaderLen {
		ft := FrameType(binary.BigEndian.Uint32(buf[SizeLen:HeaderLen]))
		if ft != FrameTypeResponse && ft != FrameTypeError && ft != FrameTypeMessage {
			return Frame{}, 0, &MalformedFrameError{Message: "unknown frame type " + strconv.Itoa(int(ft))}
		}
	}

	total := SizeLen + int(size)
	if len(buf) < total {
		return Frame{}, 0, ErrNeedMoreData
	}

	ft := FrameType(binary.BigEndian.Uint32(buf[SizeLen:HeaderLen]))
	if ft == FrameTypeMessage && int(size)-TypeLen < MsgHeaderLen {
		return Frame{}, 0, &MalformedFrameError{Message: "message payload of " + strconv.Itoa(int(size)-TypeLen) + " bytes shorter than message header"}
	}

	return Frame{Type: ft, Payload: buf[HeaderLen:total]}, total, nil
}

// AppendFrame appends the wire encoding of f to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(f.Size()))
	dst = binary.BigEndian.AppendUint32(dst, uint32(f.Type))
	return append(dst, f.Payload...)
}

// EncodeFrame returns the wire encoding of f.
func EncodeFrame(f Frame) []byte {
	return AppendFrame(make([]byte, 0, SizeLen+f.Size()), f)
}

// WriteFrame writes the wire encoding of f to w.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(EncodeFrame(f))
	return err
}

// Decoder reads frames from a byte stream.
//
// It accumulates bytes in a growing buffer and hands them to DecodeFrame,
// reading more from the underlying reader whenever the codec needs more data.
// Frames returned by Next own their payload.
type Decoder struct {
	r       io.Reader
	buf     []byte
	start   int
	end     int
	maxSize int
}

const decoderChunk = 4096

// NewDecoder returns a Decoder reading from r. A maxSize <= 0 uses DefaultMaxFrameSize.
func NewDecoder(r io.Reader, maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{
		r:       r,
		buf:     make([]byte, decoderChunk),
		maxSize: maxSize,
	}
}

// Buffered returns the number of undecoded bytes held by the decoder.
func (d *Decoder) Buffered() int {
	return d.end - d.start
}

// Next returns the next frame.
//
// I/O errors are returned wrapped in *ConnectionError, except a clean io.EOF on a
// frame boundary which is returned as is. Decode errors are *MalformedFrameError.
func (d *Decoder) Next() (Frame, error) {
	for {
		frame, n, err := decodeFrame(d.buf[d.start:d.end], d.maxSize)
		if err == nil {
			payload := make([]byte, len(frame.Payload))
			copy(payload, frame.Payload)
			frame.Payload = payload
			d.start += n
			if d.start == d.end {
				d.start, d.end = 0, 0
			}
			return frame, nil
		}
		if !errors.Is(err, ErrNeedMoreData) {
			return Frame{}, err
		}

		if err := d.fill(); err != nil {
			if errors.Is(err, io.EOF) && d.Buffered() == 0 {
				return Frame{}, io.EOF
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, &ConnectionError{Op: "read", Err: err}
		}
	}
}

// fill reads at least one more byte into the buffer, compacting or growing it first.
func (d *Decoder) fill() error {
	if d.start > 0 {
		copy(d.buf, d.buf[d.start:d.end])
		d.end -= d.start
		d.start = 0
	}
	if d.end == len(d.buf) {
		grown := make([]byte, 2*len(d.buf))
		copy(grown, d.buf[:d.end])
		d.buf = grown
	}

	for range maxEmptyReads {
		n, err := d.r.Read(d.buf[d.end:])
		d.end += n
		if n > 0 {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return io.ErrNoProgress
}

const maxEmptyReads = 100
