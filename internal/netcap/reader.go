// Package netcap replays captured UDP telemetry into the analysis pipeline.
// Dataloggers with the WiFi bridge emit the same line protocol over UDP that
// they emit over serial; a pcap of that traffic can be replayed through the
// session recorder at original or accelerated pacing.
package netcap

import "time"

// DefaultUDPPort is the port the WiFi bridge sends telemetry to.
const DefaultUDPPort = 5214

// PCAPPacket is a single captured packet: the raw link-layer frame plus its
// capture timestamp, which drives replay pacing.
type PCAPPacket struct {
	Data      []byte
	Timestamp time.Time
}

// PCAPReader abstracts packet capture files so replay logic is testable
// without fixtures on disk.
type PCAPReader interface {
	// Open opens a capture file for reading.
	Open(filename string) error

	// NextPacket returns the next packet. (nil, nil) signals end of file.
	NextPacket() (*PCAPPacket, error)

	// Close closes the reader and releases resources.
	Close()

	// LinkType returns the capture's link type. Uses int to accommodate
	// link types > 255 (e.g. Linux cooked capture v2 is 276).
	LinkType() int
}
