package readlog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// Reader parses a capture. Header lines are skipped wherever they appear,
// so concatenated captures read as one.
type Reader struct {
	r    *csv.Reader
	line int
}

func NewReader(r io.Reader) *Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)
	cr.TrimLeadingSpace = true
	return &Reader{r: cr}
}

// Next returns the next record, or io.EOF.
func (r *Reader) Next() (Record, error) {
	for {
		row, err := r.r.Read()
		if err != nil {
			return Record{}, err
		}
		r.line++
		if row[0] == Header[0] {
			continue
		}
		return parseRow(row, r.line)
	}
}

func parseRow(row []string, line int) (Record, error) {
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("readlog: line %d: bad timestamp %q", line, row[0])
	}
	rssi, err := strconv.Atoi(row[4])
	if err != nil {
		return Record{}, fmt.Errorf("readlog: line %d: bad rssi %q", line, row[4])
	}
	return Record{
		Time:   time.UnixMilli(ms).UTC(),
		Device: row[1],
		Venue:  row[2],
		Anchor: row[3],
		RSSI:   rssi,
	}, nil
}

// ReadAll reads every record of r.
func ReadAll(r io.Reader) ([]Record, error) {
	rd := NewReader(r)
	var out []Record
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// ReadFile reads a capture file.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadAll(f)
}
