package main

import (
	"bufio"
	"errors"

	"github.com/lovromazgon/ferry"
)

var errLineTooLong = errors.New("request line too long")

// readLine reads the next line into buf the way fgets does: at most
// buf.Size()-1 bytes including the newline, followed by a zero byte. It
// returns false at the end of input, leaving buf untouched. A line that does
// not fit is skipped up to its newline and reported as errLineTooLong.
func readLine(buf *ferry.Buffer, r *bufio.Reader) (bool, error) {
	dst := buf.Bytes()
	n := 0
	for n < len(dst)-1 {
		c, err := r.ReadByte()
		if err != nil {
			break
		}
		dst[n] = c
		n++
		if c == '\n' {
			break
		}
	}
	if n == 0 {
		return false, nil
	}
	dst[n] = 0

	if dst[n-1] == '\n' || n < len(dst)-1 {
		return true, nil
	}

	// The buffer is full and the line continues, drop the rest of it.
	if _, err := r.Peek(1); err != nil {
		return true, nil
	}
	for {
		_, err := r.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			break
		}
	}
	return true, errLineTooLong
}
