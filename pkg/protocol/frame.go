// Package protocol implements the length-prefixed framed message codec
// carried over the host↔container stream socket (spec.md C3): each
// message is [u32 length][u8 type][u8 command_len][command][optional
// 4-byte fmt tag][payload], with length covering everything after
// itself, and FIFO preserved on a single connection.
package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Type discriminates the data/format of a frame's payload.
type Type uint8

const (
	// TypePlain carries a payload with no additional format tag.
	TypePlain Type = iota
	// TypeFormatted carries a 4-byte fmt tag before the payload,
	// used by commands whose payload has an internal sub-format
	// (reserved for future use; no current command sets this).
	TypeFormatted
)

const maxCommandLen = 255

// Frame is one framed message: a short command tag, a type
// discriminator, an optional 4-byte format tag, and an opaque payload.
type Frame struct {
	Command string
	Type    Type
	Fmt     [4]byte
	HasFmt  bool
	Data    []byte
}

// Encode renders f into the wire format, including its length prefix.
func Encode(f Frame) ([]byte, error) {
	if len(f.Command) == 0 || len(f.Command) > maxCommandLen {
		return nil, fmt.Errorf("protocol: command length %d out of range", len(f.Command))
	}

	body := make([]byte, 0, 1+1+len(f.Command)+4+len(f.Data))
	body = append(body, byte(f.Type))
	body = append(body, byte(len(f.Command)))
	body = append(body, f.Command...)
	if f.HasFmt {
		body = append(body, f.Fmt[:]...)
	}
	body = append(body, f.Data...)

	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// ReadFrame blocks until a complete frame is available on r, or
// returns an error (including io.EOF on clean connection close).
// Partial reads never split a message: ReadFrame only returns once
// the full length-prefixed body has been consumed (spec.md C3).
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 2 {
		return Frame{}, fmt.Errorf("protocol: frame length %d too short for header", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}

	f := Frame{Type: Type(body[0])}
	cmdLen := int(body[1])
	if 2+cmdLen > len(body) {
		return Frame{}, fmt.Errorf("protocol: command_len %d exceeds frame body", cmdLen)
	}
	f.Command = string(body[2 : 2+cmdLen])
	rest := body[2+cmdLen:]

	if f.Type == TypeFormatted {
		if len(rest) < 4 {
			return Frame{}, fmt.Errorf("protocol: missing fmt tag")
		}
		copy(f.Fmt[:], rest[:4])
		f.HasFmt = true
		rest = rest[4:]
	}
	f.Data = rest

	return f, nil
}

// WriteFrame encodes and writes f to w in one call, so concurrent
// writers on the same connection can't interleave a partial frame
// (callers must still serialize WriteFrame calls themselves -- a
// single io.Writer has no atomicity guarantee across calls).
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
