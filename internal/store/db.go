// Package store persists runs, generated payloads, and vehicle constraints
// in SQLite. In-memory and Redis payload caches are provided for
// deployments that want faster or shared caching in front of (or instead
// of) the durable store. Schema evolution goes through embedded
// golang-migrate files.
package store

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/dynoai/dynoai/internal/monitoring"
)

// pragmas applied at open time. WAL keeps readers off the writer's lock
// while a generation burst is storing payloads.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// DB wraps the SQLite handle shared by the run, payload, and constraints
// stores.
type DB struct {
	*sql.DB
}

// Open opens the database at path, creating the file if needed, and applies
// the connection pragmas. The schema is managed separately via MigrateUp.
func Open(path string) (*DB, error) {
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	for _, p := range pragmas {
		if _, err := sdb.Exec(p); err != nil {
			sdb.Close()
			return nil, fmt.Errorf("apply %s: %w", p, err)
		}
	}
	return &DB{sdb}, nil
}

// OpenAndMigrate opens the database and brings the schema up to date from
// the embedded migrations.
func OpenAndMigrate(path string) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(Migrations()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// AttachAdminRoutes mounts the operator debug surface on mux: live SQL via
// tailsql and an on-demand gzipped backup download.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("store: tailsql server unavailable: %v", err)
		return
	}
	tsql.SetDB("sqlite://dynoai.db", db.DB, &tailsql.DBOptions{
		Label: "DynoAI runs DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("dynoai-backup-%d.db", time.Now().Unix())
		if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("store: remove backup file: %v", err)
			}
		}()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")

		gz := gzip.NewWriter(w)
		defer gz.Close()
		if _, err := io.Copy(gz, backupFile); err != nil {
			monitoring.Logf("store: stream backup: %v", err)
		}
	}))
}
