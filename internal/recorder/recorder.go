// Package recorder persists completed stored-video downloads: the raw
// elementary stream goes to disk, the metadata into a sqlite index the
// gateway lists and serves from.
package recorder

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ravipangali7/DASHCAM/internal/metrics"
	"github.com/ravipangali7/DASHCAM/internal/session"
)

// ErrNotFound is returned by Get for an unknown recording id.
var ErrNotFound = errors.New("recorder: recording not found")

// Recording is one archived download.
type Recording struct {
	ID       int64     `json:"id"`
	Device   string    `json:"device_id"`
	Channel  uint8     `json:"channel"`
	Start    string    `json:"start"`
	End      string    `json:"end"`
	Path     string    `json:"path"`
	Bytes    int64     `json:"bytes"`
	Chunks   int       `json:"chunks"`
	Received time.Time `json:"received"`
}

// Recorder owns the media directory and its index database.
type Recorder struct {
	dir string
	db  *sql.DB
}

const schema = `CREATE TABLE IF NOT EXISTS recordings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device TEXT NOT NULL,
	channel INTEGER NOT NULL,
	start_time TEXT NOT NULL,
	end_time TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL,
	bytes INTEGER NOT NULL,
	chunks INTEGER NOT NULL,
	received TEXT NOT NULL,
	UNIQUE(device, channel, start_time)
)`

// New opens (creating as needed) the media directory and index.
func New(dir, indexPath string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("media dir %s: %w", dir, err)
	}
	db, err := sql.Open("sqlite", indexPath)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", indexPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create recordings table: %w", err)
	}
	return &Recorder{dir: dir, db: db}, nil
}

// Close releases the index database.
func (r *Recorder) Close() error { return r.db.Close() }

// Store archives one finished download. It is the session download sink:
// failures are logged, never propagated back into the protocol path.
func (r *Recorder) Store(d session.Download) {
	name := fmt.Sprintf("%s_ch%d_%s.h264", fileSafe(d.Device), d.Channel, fileSafe(d.Start))
	path := filepath.Join(r.dir, name)
	if err := os.WriteFile(path, d.Data, 0o644); err != nil {
		log.Printf("recorder: write %s: %v", path, err)
		return
	}
	if err := r.index(d, path); err != nil {
		log.Printf("recorder: index %s: %v", name, err)
		return
	}
	metrics.RecordingsStored.Inc()
	log.Printf("recorder: stored %s (%d bytes, %d chunks)", name, len(d.Data), d.Chunks)
}

// index upserts the recording row: a re-download of the same clip
// replaces the previous row.
func (r *Recorder) index(d session.Download, path string) error {
	received := d.Received.UTC().Format(time.RFC3339)
	res, err := r.db.Exec(
		`UPDATE recordings SET end_time = ?, path = ?, bytes = ?, chunks = ?, received = ?
		 WHERE device = ? AND channel = ? AND start_time = ?`,
		d.End, path, len(d.Data), d.Chunks, received,
		d.Device, d.Channel, d.Start,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = r.db.Exec(
		`INSERT INTO recordings (device, channel, start_time, end_time, path, bytes, chunks, received)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Device, d.Channel, d.Start, d.End, path, len(d.Data), d.Chunks, received,
	)
	return err
}

// List returns every recording, newest first.
func (r *Recorder) List() ([]Recording, error) {
	rows, err := r.db.Query(
		`SELECT id, device, channel, start_time, end_time, path, bytes, chunks, received
		 FROM recordings ORDER BY received DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get looks one recording up by id.
func (r *Recorder) Get(id int64) (Recording, error) {
	row := r.db.QueryRow(
		`SELECT id, device, channel, start_time, end_time, path, bytes, chunks, received
		 FROM recordings WHERE id = ?`, id)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, ErrNotFound
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecording(row rowScanner) (Recording, error) {
	var rec Recording
	var received string
	err := row.Scan(&rec.ID, &rec.Device, &rec.Channel, &rec.Start, &rec.End, &rec.Path, &rec.Bytes, &rec.Chunks, &received)
	if err != nil {
		return Recording{}, err
	}
	if t, perr := time.Parse(time.RFC3339, received); perr == nil {
		rec.Received = t
	}
	return rec, nil
}

// fileSafe keeps terminal ids and BCD timestamps as they are and mangles
// anything else out of the filename.
func fileSafe(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-':
			return r
		}
		return '_'
	}, s)
}
