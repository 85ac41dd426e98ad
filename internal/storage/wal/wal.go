package wal

// ============================================================================
// Write-ahead journal
// Responsibilities:
// 1. Append mutation records (append-only, one JSON object per line)
// 2. Replay records to rebuild state after a crash
// 3. Rotate (truncate) once a snapshot has captured everything
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FileInterface is the subset of *os.File the journal writes through.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL is an append-only journal file.
type WAL struct {
	mu           sync.Mutex
	file         FileInterface
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// NewWAL opens or creates the journal at path and continues numbering after
// the last readable record.
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, err := GetLastEvent(path)
		if err != nil && !errors.Is(err, ErrEmptyWAL) {
			file.Close()
			return nil, fmt.Errorf("read last wal record: %w", err)
		}
		if last != nil {
			seq = last.Seq
		}
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// Append journals one mutation. payload is JSON encoded; pass nil for deletes.
// The record reaches disk immediately when force or syncOnAppend is set,
// otherwise when the buffer fills or the flush interval elapses.
func (w *WAL) Append(eventType EventType, key string, payload any, force bool) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("wal: marshal %s %s: %w", eventType, key, err)
		}
		raw = b
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		Key:       key,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event.Type, event.Key, event.Seq, event.Payload)
	w.buffer = append(w.buffer, event)

	if force || w.syncOnAppend || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval {
		return w.flushLocked()
	}
	return nil
}

// Replay feeds every record to handler in order. A torn final record left by
// a crash mid-write is ignored; any other damage aborts the replay.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil && !errors.Is(err, ErrWALClosed) {
		return err
	}
	return replayFile(w.path, handler)
}

// Rotate flushes and truncates the journal. Call it only after a snapshot
// has persisted everything up to GetLastSeq.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		w.closed = true
		return err
	}
	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return nil
}

// Flush writes buffered records and syncs the file.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Close flushes and closes the file. The WAL must not be reused afterwards.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq returns the sequence number of the last appended record.
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the journal file path.
func (w *WAL) Path() string { return w.path }

// flushLocked expects w.mu to be held.
func (w *WAL) flushLocked() error {
	if w.closed {
		return ErrWALClosed
	}
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}

// ============================================================================
// File helpers
// ============================================================================

func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var (
		offset  int64
		lastSeq uint64
	)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var event Event
			if err := json.Unmarshal(line, &event); err != nil {
				// no trailing newline means the process died mid-write
				if readErr == io.EOF {
					return nil
				}
				return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
			}
			if !VerifyChecksum(event) {
				return &ChecksumError{
					Seq:      event.Seq,
					Expected: CalculateChecksum(event.Type, event.Key, event.Seq, event.Payload),
					Actual:   event.Checksum,
				}
			}
			if err := handler(event); err != nil {
				return err
			}
			lastSeq = event.Seq
		}
		offset += int64(len(line))
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// GetLastEvent returns the last readable record of the journal at path.
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents returns the number of readable records.
func CountEvents(path string) (int, error) {
	n := 0
	err := replayFile(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL checks checksums and that sequence numbers strictly increase.
func ValidateWAL(path string) error {
	var lastSeq uint64
	return replayFile(path, func(e Event) error {
		if e.Seq <= lastSeq {
			return fmt.Errorf("%w: seq %d after %d", ErrCorruptedWAL, e.Seq, lastSeq)
		}
		lastSeq = e.Seq
		return nil
	})
}
