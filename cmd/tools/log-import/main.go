// Command log-import uploads dyno log CSV files to a running server's
// ingest endpoint, one run per file.
package main

import (
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/dynoai/dynoai/internal/httputil"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "Base URL of the analysis server")
	vehicle := flag.String("vehicle", "", "Vehicle ID to attach to the imported runs")
	source := flag.String("source", "", "Source label for the imported runs (default: server assigns 'upload')")
	strict := flag.Bool("strict", false, "Reject files with malformed rows instead of skipping them")
	flag.Parse()

	files := flag.Args()
	if len(files) == 0 {
		log.Fatalf("Usage: log-import [flags] <file.csv> [file.csv ...]")
	}

	opts := ImportOptions{
		ServerURL: *server,
		VehicleID: *vehicle,
		Source:    *source,
		Strict:    *strict,
	}
	client := httputil.NewStandardClient(&http.Client{Timeout: 60 * time.Second})

	failed := 0
	for _, path := range files {
		ingest, err := ImportFile(client, opts, path)
		if err != nil {
			log.Printf("FAILED %s: %v", path, err)
			failed++
			continue
		}
		log.Printf("✓ %s → run %s (%d rows, %.1fs)", path, ingest.RunID, ingest.RowCount, ingest.DurationS)
		for _, w := range ingest.Warnings {
			log.Printf("  warning: %s", w)
		}
	}

	if failed > 0 {
		log.Fatalf("%d of %d imports failed", failed, len(files))
	}
	log.Printf("✓ Imported %d runs", len(files))
}
