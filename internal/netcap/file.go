package netcap

import (
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
)

// FileReader implements PCAPReader over .pcap and .pcapng files using the
// pure Go pcapgo decoder, so replay works without libpcap installed.
type FileReader struct {
	f    *os.File
	src  gopacket.PacketDataSource
	link int
}

// NewFileReader creates an unopened FileReader.
func NewFileReader() *FileReader {
	return &FileReader{}
}

// Open opens a capture file, trying the classic pcap format first and
// falling back to pcapng.
func (r *FileReader) Open(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("open capture %s: %w", filename, err)
	}

	if pr, perr := pcapgo.NewReader(f); perr == nil {
		r.f = f
		r.src = pr
		r.link = int(pr.LinkType())
		return nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("rewind capture %s: %w", filename, err)
	}
	ng, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		f.Close()
		return fmt.Errorf("read capture %s: %w", filename, err)
	}
	r.f = f
	r.src = ng
	r.link = int(ng.LinkType())
	return nil
}

// NextPacket returns the next raw packet, or (nil, nil) at end of file.
func (r *FileReader) NextPacket() (*PCAPPacket, error) {
	data, ci, err := r.src.ReadPacketData()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &PCAPPacket{Data: data, Timestamp: ci.Timestamp}, nil
}

// Close closes the underlying file.
func (r *FileReader) Close() {
	if r.f != nil {
		r.f.Close()
		r.f = nil
	}
}

// LinkType returns the capture's link type.
func (r *FileReader) LinkType() int {
	return r.link
}
