package wire

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func BenchmarkDecodeFrame(b *testing.B) {
	encoded := EncodeFrame(MessageFrame(&Message{Attempts: 1, Body: bytes.Repeat([]byte("x"), 256)}))

	b.ReportAllocs()
	for b.Loop() {
		f, _, err := DecodeFrame(encoded)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := DecodeMessage(f.Payload); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecoder(b *testing.B) {
	var stream []byte
	for range 64 {
		stream = AppendFrame(stream, MessageFrame(&Message{Attempts: 1, Body: bytes.Repeat([]byte("x"), 128)}))
	}

	b.ReportAllocs()
	for b.Loop() {
		d := NewDecoder(bytes.NewReader(stream), 0)
		for {
			if _, err := d.Next(); err != nil {
				if err != io.EOF {
					b.Fatal(err)
				}
				break
			}
		}
	}
}

func BenchmarkCommandWriteTo(b *testing.B) {
	rdy, _ := Ready(100)
	cmds := []*Command{
		rdy,
		Finish(testID),
		Requeue(testID, time.Second),
		Nop(),
	}

	b.ReportAllocs()
	for b.Loop() {
		for _, c := range cmds {
			if _, err := c.WriteTo(io.Discard); err != nil {
				b.Fatal(err)
			}
		}
	}
}
