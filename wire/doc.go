// Package wire provides a low-level implementation of the NSQ TCP protocol (V2).
//
// This package serves as a foundation for the session and producer in package nsq.
// It focuses on correctness of framing and command encoding, without imposing
// connection management decisions on callers.
//
// # Frames
//
// Everything the daemon sends is a frame:
//
//	[4-byte size][4-byte frame type][payload]
//
// The size covers the frame type and the payload. Frame types are response (0),
// error (1) and message (2). A message payload is
//
//	[8-byte timestamp][2-byte attempts][16-byte id][body]
//
// DecodeFrame works on a byte buffer and never blocks:
//
//	frame, n, err := wire.DecodeFrame(buf)
//	switch {
//	case errors.Is(err, wire.ErrNeedMoreData):
//	    // read more bytes and retry
//	case err != nil:
//	    // *MalformedFrameError: the stream is desynchronized, close it
//	default:
//	    buf = buf[n:]
//	}
//
// Decoder wraps the same logic around an io.Reader.
//
// # Commands
//
// Commands are newline-terminated lines, optionally followed by a body:
//
//	cmd, err := wire.Subscribe("events", "archive")
//	_, err = cmd.WriteTo(conn)
//
// Names are validated before any byte is produced.
//
// # Error Handling
//
// Errors implement ErrorWithConnectionState; use ShouldCloseConnection to decide
// whether the connection is still usable:
//
//	if wire.ShouldCloseConnection(err) {
//	    conn.Close()
//	}
package wire
