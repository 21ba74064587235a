package protocol

import (
	"bufio"
	"bytes"
	"io"
)

// maxFrame bounds a single frame held by a Scanner.
const maxFrame = 1 << 20

// NewScanner returns a bufio.Scanner that yields frames from r, split on delim.
// A trailing frame without a delimiter at EOF is still returned.
func NewScanner(r io.Reader, delim string) *bufio.Scanner {
	if delim == "" {
		delim = DefaultDelimiter
	}
	sep := []byte(delim)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxFrame)
	sc.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.Index(data, sep); i >= 0 {
			return i + len(sep), data[:i], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	})
	return sc
}
