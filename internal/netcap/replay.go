package netcap

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/dynoai/dynoai/internal/monitoring"
)

// ReplayConfig controls pacing and filtering during replay.
type ReplayConfig struct {
	// UDPPort selects the destination port carrying telemetry. Zero accepts
	// every UDP packet in the capture.
	UDPPort int

	// Speed scales replay pacing against the capture timestamps: 1.0 keeps
	// the original gaps, 10 replays ten times faster. Values <= 0 mean 1.0.
	Speed float64
}

// ReplayStats summarizes one replay pass.
type ReplayStats struct {
	Packets int // UDP packets delivered to the handler
	Lines   int // telemetry lines extracted from those packets
	Skipped int // packets dropped by the port filter or with no UDP layer
}

// LineHandler receives one telemetry line at a time, in capture order.
type LineHandler func(ctx context.Context, line string)

// Replay pushes the capture's UDP payloads through handle, sleeping between
// packets to reproduce the original pacing scaled by cfg.Speed. It returns
// when the capture is exhausted or ctx ends.
func Replay(ctx context.Context, r PCAPReader, cfg ReplayConfig, handle LineHandler) (ReplayStats, error) {
	speed := cfg.Speed
	if speed <= 0 {
		speed = 1.0
	}

	var stats ReplayStats
	var lastCapture time.Time
	decoder := layers.LinkType(r.LinkType())
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		pkt, err := r.NextPacket()
		if err != nil {
			return stats, fmt.Errorf("read capture: %w", err)
		}
		if pkt == nil {
			monitoring.Logf("replay complete: %d packets, %d lines in %v",
				stats.Packets, stats.Lines, time.Since(start).Round(time.Millisecond))
			return stats, nil
		}

		// Reproduce the capture's inter-packet gaps, scaled by speed.
		if !lastCapture.IsZero() {
			if delay := pkt.Timestamp.Sub(lastCapture); delay > 0 {
				scaled := time.Duration(float64(delay) / speed)
				select {
				case <-ctx.Done():
					return stats, ctx.Err()
				case <-time.After(scaled):
				}
			}
		}
		lastCapture = pkt.Timestamp

		payload, ok := udpPayload(pkt.Data, decoder, cfg.UDPPort)
		if !ok {
			stats.Skipped++
			continue
		}
		stats.Packets++

		for _, raw := range bytes.Split(payload, []byte("\n")) {
			line := string(bytes.TrimSpace(raw))
			if line == "" {
				continue
			}
			stats.Lines++
			handle(ctx, line)
		}

		if stats.Packets%1000 == 0 {
			monitoring.Logf("replay progress: %d packets, %d lines", stats.Packets, stats.Lines)
		}
	}
}

// udpPayload decodes one link-layer frame and returns its UDP payload when
// the destination port matches. port 0 matches any UDP packet.
func udpPayload(data []byte, decoder gopacket.Decoder, port int) ([]byte, bool) {
	packet := gopacket.NewPacket(data, decoder, gopacket.Default)
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok {
		return nil, false
	}
	if port != 0 && int(udp.DstPort) != port {
		return nil, false
	}
	if len(udp.Payload) == 0 {
		return nil, false
	}
	return udp.Payload, true
}

// ReplayFile replays the capture at path through handle.
func ReplayFile(ctx context.Context, path string, cfg ReplayConfig, handle LineHandler) (ReplayStats, error) {
	r := NewFileReader()
	if err := r.Open(path); err != nil {
		return ReplayStats{}, err
	}
	defer r.Close()
	return Replay(ctx, r, cfg, handle)
}
