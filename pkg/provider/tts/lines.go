package tts

import (
	"bytes"
	"context"
	"errors"
	"io"
)

// ReadChunkSize is the largest single read from a streaming response body.
const ReadChunkSize = 8 << 10

// ReadLines reads r in chunks of at most ReadChunkSize bytes, splits the data
// on '\n' and calls fn for each line with the trailing "\r" removed. A final
// unterminated line is delivered at EOF. Returning [ErrStopLines] from fn ends
// reading without error.
//
// Lines may be arbitrarily long (hex audio fields routinely exceed 100 KB), so
// the pending buffer grows as needed while reads stay bounded.
func ReadLines(ctx context.Context, r io.Reader, fn func(line []byte) error) error {
	buf := make([]byte, ReadChunkSize)
	var pending []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				idx := bytes.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				line := bytes.TrimSuffix(pending[:idx], []byte{'\r'})
				if err := fn(line); err != nil {
					if errors.Is(err, ErrStopLines) {
						return nil
					}
					return err
				}
				pending = pending[idx+1:]
			}
		}
		if rerr == io.EOF {
			if len(pending) > 0 {
				if err := fn(bytes.TrimSuffix(pending, []byte{'\r'})); err != nil && !errors.Is(err, ErrStopLines) {
					return err
				}
			}
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// ErrStopLines may be returned by a ReadLines callback to stop reading early.
var ErrStopLines = errors.New("tts: stop reading lines")
