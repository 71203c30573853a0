// Package journal implements njord's append-only NDJSON store: one writer
// per (topic, symbol), size/date rotation, gzip compaction of rotated
// files, and a time-range reader that is transparent to plain vs. gzipped
// files. Durability is "bytes in the OS buffer": Append flushes each record
// to the file, and the writer never calls fsync.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blackforestdev/njord-quant/internal/contracts"
)

const DefaultRotateSizeBytes = 100 * 1024 * 1024

// Writer appends records for one (topic, symbol) pair, rotating to a new
// dated file at UTC midnight or once the current file exceeds
// RotateSizeBytes.
type Writer struct {
	mu              sync.Mutex
	baseDir         string
	topic           string
	symbol          string
	clock           contracts.Clock
	rotateSizeBytes int64

	file    *os.File
	bufw    *bufio.Writer
	size    int64
	dateTag string
	seq     int
}

func NewWriter(baseDir, topic, symbol string, clock contracts.Clock) (*Writer, error) {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create base dir %q: %w", baseDir, err)
	}
	return &Writer{
		baseDir:         baseDir,
		topic:           topic,
		symbol:          symbol,
		clock:           clock,
		rotateSizeBytes: DefaultRotateSizeBytes,
	}, nil
}

// SetRotateSizeBytes overrides the default 100 MiB size-rotation threshold.
func (w *Writer) SetRotateSizeBytes(n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotateSizeBytes = n
}

// Append serializes v as one JSON line and flushes it to the current file,
// rotating first if the date has rolled over or the file is oversized.
func (w *Writer) Append(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("journal: marshal record: %w", err)
	}
	b = append(b, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureOpenLocked(); err != nil {
		return err
	}
	n, err := w.bufw.Write(b)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("journal: write record: %w", err)
	}
	if err := w.bufw.Flush(); err != nil {
		return fmt.Errorf("journal: flush: %w", err)
	}
	return nil
}

// Rotate forces a new file to be opened, regardless of size or date.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked(dateTag(w.clock.NowNS()))
}

// Close flushes and releases the current file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer) ensureOpenLocked() error {
	today := dateTag(w.clock.NowNS())
	if w.file != nil && today == w.dateTag && w.size < w.rotateSizeBytes {
		return nil
	}
	return w.rotateLocked(today)
}

// rotateLocked opens the next file for the writer. If today is unchanged
// from the last rotation, this is a size-triggered rotation and a sequence
// suffix is appended so the new file does not collide with the old one;
// a genuine date rollover resets the sequence.
func (w *Writer) rotateLocked(today string) error {
	if today == w.dateTag {
		w.seq++
	} else {
		w.seq = 0
	}

	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathFor(today, w.seq)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("journal: stat %q: %w", path, err)
	}
	w.file = f
	w.bufw = bufio.NewWriter(f)
	w.size = info.Size()
	w.dateTag = today
	return nil
}

func (w *Writer) closeLocked() error {
	if w.file == nil {
		return nil
	}
	if err := w.bufw.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("journal: flush on close: %w", err)
	}
	err := w.file.Close()
	w.file = nil
	w.bufw = nil
	if err != nil {
		return fmt.Errorf("journal: close: %w", err)
	}
	return nil
}

func (w *Writer) pathFor(date string, seq int) string {
	return filepath.Join(w.baseDir, fileName(w.topic, w.symbol, date, seq))
}

func fileName(topic, symbol, date string, seq int) string {
	name := topic
	if symbol != "" {
		name += "." + symbol
	}
	name += "." + date
	if seq > 0 {
		name += fmt.Sprintf("-%d", seq)
	}
	name += ".ndjson"
	return name
}

func dateTag(tsNs int64) string {
	return time.Unix(0, tsNs).UTC().Format("20060102")
}
