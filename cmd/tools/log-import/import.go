package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/dynoai/dynoai/internal/api"
	"github.com/dynoai/dynoai/internal/httputil"
)

// ImportOptions carries the upload parameters shared by every file in a batch.
type ImportOptions struct {
	ServerURL string
	VehicleID string
	Source    string
	Strict    bool
}

// IngestURL builds the upload URL for the configured server and parameters.
func (o ImportOptions) IngestURL() string {
	q := url.Values{}
	if o.VehicleID != "" {
		q.Set("vehicle_id", o.VehicleID)
	}
	if o.Source != "" {
		q.Set("source", o.Source)
	}
	if o.Strict {
		q.Set("strict", "true")
	}
	u := o.ServerURL + "/api/runs"
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

// ImportFile uploads one CSV log to the server and returns the stored run's
// summary (useful for tests, which inject a mock client).
func ImportFile(client httputil.HTTPClient, opts ImportOptions, path string) (*api.IngestResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	resp, err := client.Post(opts.IngestURL(), "text/csv", f)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response for %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("upload %s: server returned %d: %s", path, resp.StatusCode, string(body))
	}

	var ingest api.IngestResponse
	if err := json.Unmarshal(body, &ingest); err != nil {
		return nil, fmt.Errorf("decode response for %s: %w", path, err)
	}
	return &ingest, nil
}
