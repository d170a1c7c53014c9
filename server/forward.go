package server

import (
	"time"

	"locator-go/rbc"
)

// Forwarder publishes fixes as rbc text lines.
type Forwarder struct {
	sender *rbc.Sender
}

func NewForwarder(sender *rbc.Sender) *Forwarder {
	return &Forwarder{sender: sender}
}

func (f *Forwarder) Publish(loc Location) {
	f.sender.Send(rbc.FormatPosition(loc.MAC, loc.Venue, uint16(loc.Seq), loc.TrackedAt, loc.X, loc.Y), rbc.FlagPosition)
}

func (f *Forwarder) PublishFailure(mac, venueName string, at time.Time, err error) {
	f.sender.Send(rbc.FormatWarning(mac, venueName, at, err.Error()), rbc.FlagWarning)
}
