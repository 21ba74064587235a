package tailer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// fileWatch is the state kept for one watched file identity. size is the
// watermark: every byte before it has been delivered. A rotation replaces the
// fileWatch instead of resetting it.
type fileWatch struct {
	path string
	size int64
}

func newFileWatch(path string, size int64) *fileWatch {
	return &fileWatch{path: path, size: size}
}

// readTo reads [size, end) and calls emit for every non-empty segment between
// line feeds, in file order. A trailing segment without a line feed is emitted
// as is; the rest of that line arrives as its own segment on a later read.
//
// The watermark advances past each segment as it is consumed, so after an
// error the next read resumes at the first undelivered byte.
func (fw *fileWatch) readTo(end int64, emit func(string)) error {
	if end <= fw.size {
		return nil
	}
	f, err := os.Open(fw.path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(io.NewSectionReader(f, fw.size, end-fw.size))
	for {
		seg, err := r.ReadString('\n')
		if len(seg) > 0 {
			fw.size += int64(len(seg))
			if text := strings.TrimSuffix(seg, "\n"); text != "" {
				emit(text)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read at %d: %w", fw.size, err)
		}
	}
}
