package server

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MaxPacketSize bounds a reading datagram.
const MaxPacketSize = 65535

// ParseDatagram decodes the anchor payload: one JSON reading object, or
// several separated by newlines. Blank lines are skipped; the first
// malformed object aborts the parse with the readings decoded so far.
func ParseDatagram(data []byte) ([]ReadingInput, error) {
	var out []ReadingInput
	for i, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var in ReadingInput
		if err := json.Unmarshal(line, &in); err != nil {
			return out, fmt.Errorf("datagram line %d: %w", i+1, err)
		}
		out = append(out, in)
	}
	return out, nil
}

// EncodeDatagram is the inverse of ParseDatagram for a single reading.
func EncodeDatagram(in ReadingInput) ([]byte, error) {
	return json.Marshal(in)
}
