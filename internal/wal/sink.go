// Package wal durably sequences every accepted order action and trade
// before it is allowed to affect a visible book. Ground truth for
// recovery lives here, not in memory.
package wal

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// RecordKind distinguishes the handful of line shapes a segment holds.
type RecordKind string

const (
	KindAdd           RecordKind = "ADD"
	KindCancel        RecordKind = "CANCEL"
	KindCancelReplace RecordKind = "CANCEL_REPLACE"
	KindExecution     RecordKind = "EXEC"
	KindHalt          RecordKind = "HALT"
	KindResume        RecordKind = "RESUME"
)

// Sink is the durability collaborator a Book/Engine writes through.
// The matching core depends only on this interface; FileSink is one
// implementation, and tests substitute an in-memory one.
type Sink interface {
	Append(seq uint64, kind RecordKind, fields ...string) error
	Close() error
}

const (
	maxSegmentBytes = 64 * 1024 * 1024
	fieldSep        = "|"
)

// FileSink appends pipe-delimited lines to a growing segment file,
// rotating and gzip-compressing the previous segment once it crosses
// maxSegmentBytes. Appends run through a circuit breaker so a run of
// disk failures fails fast instead of blocking every caller on a slow
// or wedged filesystem.
type FileSink struct {
	mu      sync.Mutex
	dir     string
	file    *os.File
	writer  *bufio.Writer
	written int64
	segment int
	breaker *gobreaker.CircuitBreaker
}

// NewFileSink opens (creating if needed) the active segment under dir.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	s := &FileSink{dir: dir}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "wal-append",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("wal circuit breaker state change")
		},
	})

	if err := s.openSegment(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) openSegment() error {
	path := fmt.Sprintf("%s/segment-%06d.log", s.dir, s.segment)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("wal: stat segment: %w", err)
	}
	s.file = f
	s.writer = bufio.NewWriter(f)
	s.written = info.Size()
	return nil
}

// Append durably records one WAL line: "seq|kind|field1|field2|...".
func (s *FileSink) Append(seq uint64, kind RecordKind, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := buildLine(seq, kind, fields)

	_, err := s.breaker.Execute(func() (any, error) {
		if _, err := s.writer.WriteString(line); err != nil {
			return nil, err
		}
		if err := s.writer.Flush(); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("wal: append: %w", err)
	}

	s.written += int64(len(line))
	if s.written >= maxSegmentBytes {
		if err := s.rotateLocked(); err != nil {
			log.Error().Err(err).Msg("wal: segment rotation failed, continuing on current segment")
		}
	}
	return nil
}

func buildLine(seq uint64, kind RecordKind, fields []string) string {
	parts := make([]string, 0, len(fields)+2)
	parts = append(parts, strconv.FormatUint(seq, 10), string(kind))
	parts = append(parts, fields...)
	return strings.Join(parts, fieldSep) + "\n"
}

// rotateLocked closes the active segment, compresses it in the
// background, and opens the next one. Must be called with mu held.
func (s *FileSink) rotateLocked() error {
	closing := s.file
	closingPath := closing.Name()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	if err := closing.Close(); err != nil {
		return err
	}

	go compressSegment(closingPath)

	s.segment++
	return s.openSegment()
}

// compressSegment gzips a closed segment and removes the plaintext
// copy, run off the hot append path so rotation never blocks writers.
func compressSegment(path string) {
	in, err := os.Open(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("wal: reopen closed segment for compression")
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("wal: create compressed segment")
		return
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := gz.Write(mustReadAll(in)); err != nil {
		log.Error().Err(err).Str("path", path).Msg("wal: compress segment")
		return
	}
	if err := gz.Close(); err != nil {
		log.Error().Err(err).Str("path", path).Msg("wal: finalize compressed segment")
		return
	}
	if err := os.Remove(path); err != nil {
		log.Error().Err(err).Str("path", path).Msg("wal: remove plaintext segment after compression")
	}
}

func mustReadAll(f *os.File) []byte {
	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 32*1024)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf
}

// Close flushes and closes the active segment.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}
