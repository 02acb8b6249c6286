package wire

import (
	"errors"
	"fmt"
	"io"
)

// ShortReadError reports a stream that ended before Want bytes arrived.
type ShortReadError struct {
	Want int
	Got  int
}

func (e *ShortReadError) Error() string {
	return fmt.Sprintf("wire: short read: got %d of %d bytes", e.Got, e.Want)
}

// ShortWriteError reports a writer that accepted only Got of Want bytes.
type ShortWriteError struct {
	Want int
	Got  int
	Err  error
}

func (e *ShortWriteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: short write: wrote %d of %d bytes: %v", e.Got, e.Want, e.Err)
	}
	return fmt.Sprintf("wire: short write: wrote %d of %d bytes", e.Got, e.Want)
}

func (e *ShortWriteError) Unwrap() error { return e.Err }

// ReadExact reads exactly n bytes. A clean EOF before the first byte is
// returned as io.EOF; any other shortfall is a *ShortReadError.
func ReadExact(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := io.ReadFull(r, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.EOF) && got == 0 && n > 0:
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, &ShortReadError{Want: n, Got: got}
	default:
		return nil, err
	}
}

// WriteExact writes all of b or reports how much made it out.
func WriteExact(w io.Writer, b []byte) error {
	n, err := w.Write(b)
	if n == len(b) && err == nil {
		return nil
	}
	return &ShortWriteError{Want: len(b), Got: n, Err: err}
}
