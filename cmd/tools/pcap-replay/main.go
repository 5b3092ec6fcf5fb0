// Command pcap-replay feeds a captured UDP telemetry stream into the runs
// database, segmenting sessions exactly like the live serial capture path.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/dynoai/dynoai/internal/monitor"
	"github.com/dynoai/dynoai/internal/netcap"
	"github.com/dynoai/dynoai/internal/serialmux"
	"github.com/dynoai/dynoai/internal/store"
)

func main() {
	file := flag.String("file", "", "pcap or pcapng capture to replay")
	dbFile := flag.String("db", "dynoai.db", "Path to the SQLite database file")
	port := flag.Int("port", netcap.DefaultUDPPort, "UDP destination port carrying telemetry (0 accepts all)")
	speed := flag.Float64("speed", 1.0, "Replay speed multiplier (1 = original pacing)")
	vehicle := flag.String("vehicle", "", "Vehicle ID recorded on imported runs")
	flag.Parse()

	if *file == "" {
		log.Fatal("-file is required")
	}

	db, err := store.OpenAndMigrate(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	stats := monitor.NewCaptureStats()
	rec := serialmux.NewRecorder(store.NewRunStore(db), stats, *vehicle)
	rec.Source = "udp"

	ctx := context.Background()
	cfg := netcap.ReplayConfig{UDPPort: *port, Speed: *speed}
	if err := netcap.ReplayFile(ctx, *file, cfg, rec.HandleLine); err != nil {
		log.Fatalf("Replay failed: %v", err)
	}

	// The capture ends without a trailing gap, so flush the open session.
	if _, err := rec.Flush(ctx); err != nil {
		log.Fatalf("Failed to store final session: %v", err)
	}

	snap := stats.Snapshot()
	log.Printf("✓ Imported %d runs from %d frames (%d lines, %d parse errors)",
		snap.RunsFlushed, snap.Frames, snap.Lines, snap.ParseErrors)
}
