package rbc

import (
	"fmt"
	"time"
)

// FormatPosition builds a position line:
//
//	position:NNN,<device>,<seq>,<time>,<venue>,<x>,<y>\r\n
//
// NNN is the total line length written over the header padding.
func FormatPosition(device, venue string, seq uint16, ts time.Time, x, y float64) []byte {
	body := fmt.Sprintf("%s%s,%d,%s,%s,%.2f,%.2f\r\n",
		positionHeader, device, seq, ts.UTC().Format(timeLayout), venue, x, y)
	b := []byte(body)
	fillLength(b, len("position:"))
	return b
}

// FormatWarning builds a warning line for a failed locate.
func FormatWarning(device, venue string, ts time.Time, reason string) []byte {
	body := fmt.Sprintf("%s%s,%s,%s,%s\r\n",
		warningHeader, device, ts.UTC().Format(timeLayout), venue, reason)
	b := []byte(body)
	fillLength(b, len("warning:"))
	return b
}

// fillLength writes the line length into the three bytes at b[at:at+3].
// The hundreds digit stays blank below 100.
func fillLength(b []byte, at int) {
	n := len(b)
	if n >= 100 {
		b[at] = byte('0' + (n/100)%10)
	}
	b[at+1] = byte('0' + (n/10)%10)
	b[at+2] = byte('0' + n%10)
}
