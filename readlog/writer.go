// Package readlog captures ingested readings as CSV so that sessions can be
// replayed or solved offline.
package readlog

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

// Header is the first line of every capture.
var Header = []string{"timestamp_ms", "device", "venue", "anchor", "rssi"}

// Record is one captured reading.
type Record struct {
	Time   time.Time
	Device string
	Venue  string
	Anchor string
	RSSI   int
}

func (r Record) fields() []string {
	return []string{
		strconv.FormatInt(r.Time.UnixMilli(), 10),
		r.Device,
		r.Venue,
		r.Anchor,
		strconv.Itoa(r.RSSI),
	}
}

// Writer appends records and flushes after each one. It is safe for
// concurrent use.
type Writer struct {
	mu sync.Mutex
	w  *csv.Writer
	c  io.Closer
}

// NewWriter writes a header and then records to w. Close flushes but leaves
// w open; the caller owns it.
func NewWriter(w io.Writer) (*Writer, error) {
	cw := &Writer{w: csv.NewWriter(w)}
	if err := cw.writeRow(Header); err != nil {
		return nil, err
	}
	return cw, nil
}

// Create opens path for appending; the header is written only to a new or
// empty file.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() == 0 {
		w, err := NewWriter(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		w.c = f
		return w, nil
	}
	return &Writer{w: csv.NewWriter(f), c: f}, nil
}

func (w *Writer) Write(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeRow(r.fields())
}

func (w *Writer) writeRow(row []string) error {
	if err := w.w.Write(row); err != nil {
		return err
	}
	w.w.Flush()
	return w.w.Error()
}

// Close flushes pending output and closes the file opened by Create.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.w.Flush()
	if w.c != nil {
		return w.c.Close()
	}
	return w.w.Error()
}
