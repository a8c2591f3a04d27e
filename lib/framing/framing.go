// Package framing implements the native-messaging wire format shared by the
// extension<->broker (stdio) and broker<->peer (unix socket) links: a
// little-endian uint32 length prefix followed by a UTF-8 JSON body.
package framing

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameLen matches Chrome's native-messaging limit. Frames declaring a
// zero or larger length are invalid and the connection must be dropped.
const MaxFrameLen = 8_000_000

// ErrInvalidLength indicates a frame whose declared length is zero or above
// MaxFrameLen. Callers treat it as fatal for the connection.
type ErrInvalidLength struct {
	Length uint32
}

func (e *ErrInvalidLength) Error() string {
	return fmt.Sprintf("invalid frame length %d (max %d)", e.Length, MaxFrameLen)
}

// ReadRaw reads one length-prefixed frame and returns the raw JSON body.
func ReadRaw(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(header[:])
	if n == 0 || n > MaxFrameLen {
		return nil, &ErrInvalidLength{Length: n}
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteRaw writes one pre-encoded frame.
func WriteRaw(w io.Writer, body []byte) error {
	if len(body) == 0 || len(body) > MaxFrameLen {
		return &ErrInvalidLength{Length: uint32(len(body))}
	}
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one frame and unmarshals it into v.
func ReadFrame(r io.Reader, v any) error {
	body, err := ReadRaw(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// WriteFrame marshals v and writes it as one frame.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return WriteRaw(w, body)
}
