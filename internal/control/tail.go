package control

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// RecordingTail streams a session's recording file starting at a byte
// offset. It is a thin wrapper over *os.File so handlers can poll for new
// bytes appended by a still-running session without re-opening the file.
type RecordingTail struct {
	f      *os.File
	reader *bufio.Reader
}

func openRecordingTail(sessionDir string, fromOffset int64) (*RecordingTail, error) {
	path := filepath.Join(sessionDir, "stdout")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("control: open recording: %w", err)
	}
	if fromOffset > 0 {
		if _, err := f.Seek(fromOffset, os.SEEK_SET); err != nil {
			f.Close()
			return nil, fmt.Errorf("control: seek recording: %w", err)
		}
	}
	return &RecordingTail{f: f, reader: bufio.NewReader(f)}, nil
}

// ReadLine reads one newline-delimited JSON event line. It does not wait for
// the writer: at the current end of the file it returns whatever partial
// line is there together with io.EOF, and a later call picks up bytes
// appended since.
func (t *RecordingTail) ReadLine() (string, error) {
	line, err := t.reader.ReadString('\n')
	if err != nil {
		return line, err
	}
	return line, nil
}

func (t *RecordingTail) Close() error {
	return t.f.Close()
}
