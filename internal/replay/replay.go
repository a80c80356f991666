// Package replay feeds recorded JPEG frames into the pipeline at a fixed
// source rate. A recording is either a directory of .jpg/.jpeg files (played
// in name order) or a single file of concatenated JPEGs (raw MJPEG).
package replay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dj-oyu/antispoof-monitor/internal/imaging"
	"github.com/dj-oyu/antispoof-monitor/internal/logger"
	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

// DefaultFPS is the source rate used when the recording does not carry one.
const DefaultFPS = 15.0

const maxFrameBytes = 16 << 20

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// SplitJPEG is a bufio.SplitFunc that yields one complete JPEG per token,
// delimited by the SOI and EOI markers. Bytes before the first SOI are
// skipped.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, jpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start+2:], jpegEOI)
	if end == -1 {
		if atEOF {
			// truncated trailing frame
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}

// Source yields encoded frames in recording order.
type Source struct {
	files []string
	next  int

	file *os.File
	scan *bufio.Scanner
}

// Open prepares path for playback.
func Open(path string) (*Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}

	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("read recording dir: %w", err)
		}
		var files []string
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			switch strings.ToLower(filepath.Ext(e.Name())) {
			case ".jpg", ".jpeg":
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no jpeg files in %s", path)
		}
		sort.Strings(files)
		return &Source{files: files}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	scan := bufio.NewScanner(f)
	scan.Buffer(make([]byte, 0, 1<<20), maxFrameBytes)
	scan.Split(SplitJPEG)
	return &Source{file: f, scan: scan}, nil
}

// Total returns the number of frames, or -1 when it is only known after a
// full read.
func (s *Source) Total() int {
	if s.scan != nil {
		return -1
	}
	return len(s.files)
}

// Next returns the next encoded frame, or io.EOF after the last one.
func (s *Source) Next() ([]byte, error) {
	if s.scan != nil {
		if s.scan.Scan() {
			// Scanner reuses its buffer.
			return bytes.Clone(s.scan.Bytes()), nil
		}
		if err := s.scan.Err(); err != nil {
			return nil, fmt.Errorf("read recording: %w", err)
		}
		return nil, io.EOF
	}

	if s.next >= len(s.files) {
		return nil, io.EOF
	}
	name := s.files[s.next]
	s.next++
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(name), err)
	}
	return data, nil
}

func (s *Source) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// Result summarizes one playback.
type Result struct {
	Played  int
	Invalid int
}

// Play paces frames from src into sink at fps until the recording ends or ctx
// is cancelled. progress, if set, is called once per frame read.
func Play(ctx context.Context, src *Source, fps float64, sink func(types.Frame), progress func()) (Result, error) {
	if fps <= 0 {
		fps = DefaultFPS
	}
	log := logger.Module("Replay")

	ticker := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer ticker.Stop()

	var res Result
	for {
		data, err := src.Next()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, err
		}
		if progress != nil {
			progress()
		}

		frame, err := imaging.FrameFromJPEG(data)
		if err != nil {
			res.Invalid++
			log.Warn("Skipping undecodable frame %d: %v", res.Played+res.Invalid, err)
			continue
		}
		frame.Timestamp = time.Now()
		sink(frame)
		res.Played++

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
	}
}
