// Package gateway exposes the device fleet over HTTP: inventory and
// stored-video operations as JSON, live frames over WebSocket, recorded
// clips with range support, and the Prometheus scrape endpoint.
package gateway

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gorilla/mux"

	"github.com/ravipangali7/DASHCAM/internal/jt808"
	"github.com/ravipangali7/DASHCAM/internal/mediabus"
	"github.com/ravipangali7/DASHCAM/internal/metrics"
	"github.com/ravipangali7/DASHCAM/internal/recorder"
	"github.com/ravipangali7/DASHCAM/internal/session"
)

// Core is the slice of the device server the gateway drives.
type Core interface {
	ListDevices() []session.DeviceInfo
	QueryStoredVideos(terminal string) error
	ListStoredVideos(terminal string) ([]jt808.StoredVideoEntry, error)
	RequestDownload(terminal string, entry jt808.StoredVideoEntry) (string, error)
	SessionCount() int
}

// Index is the recorder surface used to list and serve saved clips.
type Index interface {
	List() ([]recorder.Recording, error)
	Get(id int64) (recorder.Recording, error)
}

// Gateway serves the HTTP API. Fields are set before Run and not
// mutated afterwards.
type Gateway struct {
	Addr  string
	Core  Core
	Bus   *mediabus.Bus
	Index Index

	started time.Time

	wsMu      sync.Mutex
	wsClients int
}

// Handler builds the route table. Exposed so tests can drive the
// gateway through httptest without a listener.
func (g *Gateway) Handler() http.Handler {
	if g.started.IsZero() {
		g.started = time.Now()
	}
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.Use(allowCORS, compressResponses)
	api.HandleFunc("/devices", g.listDevices).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/devices/{id}/query", g.queryDevice).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/devices/{id}/videos", g.listVideos).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/devices/{id}/download", g.requestDownload).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/streams", g.listStreams).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/frame/{device}/{channel}", g.latestFrame).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/recordings", g.listRecordings).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/recordings/{id}", g.serveRecording).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/status", g.status).Methods(http.MethodGet, http.MethodOptions)

	r.HandleFunc("/healthz", g.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", g.serveWS)

	return logRequests(r)
}

// Run blocks until ctx is cancelled or the server fails to start. On
// shutdown it stops accepting new connections and waits briefly for
// in-flight requests to finish.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{Addr: g.Addr, Handler: g.Handler()}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("gateway: listening on %s", g.Addr)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Print("gateway: shutting down ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("gateway: shutdown: %v", err)
		}
		<-serverErr
		return nil
	}
}

func (g *Gateway) listDevices(w http.ResponseWriter, r *http.Request) {
	devices := g.Core.ListDevices()
	if devices == nil {
		devices = []session.DeviceInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	})
}

func (g *Gateway) queryDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := g.Core.QueryStoredVideos(id); err != nil {
		writeError(w, deviceErrStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":    "queried",
		"device_id": id,
	})
}

func (g *Gateway) listVideos(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entries, err := g.Core.ListStoredVideos(id)
	if err != nil {
		writeError(w, deviceErrStatus(err), err.Error())
		return
	}
	// nil means the device has not reported a list yet; an empty reported
	// list comes back non-nil.
	fetched := entries != nil
	if entries == nil {
		entries = []jt808.StoredVideoEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": id,
		"fetched":   fetched,
		"count":     len(entries),
		"videos":    entries,
	})
}

func (g *Gateway) requestDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var entry jt808.StoredVideoEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return
	}
	if entry.Channel == 0 || entry.Start == "" {
		writeError(w, http.StatusBadRequest, "channel and start are required")
		return
	}
	handle, err := g.Core.RequestDownload(id, entry)
	if err != nil {
		writeError(w, deviceErrStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":    "requested",
		"device_id": id,
		"handle":    handle,
	})
}

func (g *Gateway) listStreams(w http.ResponseWriter, r *http.Request) {
	streams := g.Bus.Streams()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"streams": streams,
		"count":   len(streams),
	})
}

// latestFrame serves the newest retained frame of one stream as raw
// bytes, for thumbnail-style polling without a WebSocket.
func (g *Gateway) latestFrame(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	channel, err := strconv.Atoi(vars["channel"])
	if err != nil || channel < 0 || channel > 255 {
		writeError(w, http.StatusBadRequest, "bad channel")
		return
	}
	ev, ok := g.Bus.Latest(vars["device"], uint8(channel))
	if !ok {
		writeError(w, http.StatusNotFound, "no frame retained for stream")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(ev.Seq, 10))
	w.Header().Set("X-Frame-Time", ev.Time.UTC().Format(time.RFC3339))
	_, _ = w.Write(ev.Payload)
}

func (g *Gateway) listRecordings(w http.ResponseWriter, r *http.Request) {
	if g.Index == nil {
		writeError(w, http.StatusServiceUnavailable, "recorder disabled")
		return
	}
	recs, err := g.Index.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []recorder.Recording{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recordings": recs,
		"count":      len(recs),
	})
}

// serveRecording streams the saved clip off disk. ServeFile gives us
// Range requests, so players can seek.
func (g *Gateway) serveRecording(w http.ResponseWriter, r *http.Request) {
	if g.Index == nil {
		writeError(w, http.StatusServiceUnavailable, "recorder disabled")
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad recording id")
		return
	}
	rec, err := g.Index.Get(id)
	if errors.Is(err, recorder.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(rec.Path)))
	http.ServeFile(w, r, rec.Path)
}

func (g *Gateway) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions":       g.Core.SessionCount(),
		"devices":        len(g.Core.ListDevices()),
		"streams":        len(g.Bus.Streams()),
		"ws_clients":     g.wsClientCount(),
		"frames_dropped": g.Bus.TotalDropped(),
		"uptime_s":       int(time.Since(g.started).Seconds()),
	})
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body, _ := json.Marshal(map[string]interface{}{
		"status":   "ok",
		"sessions": g.Core.SessionCount(),
	})
	_, _ = w.Write(body)
}

func (g *Gateway) addClient(delta int) {
	g.wsMu.Lock()
	g.wsClients += delta
	g.wsMu.Unlock()
}

func (g *Gateway) wsClientCount() int {
	g.wsMu.Lock()
	defer g.wsMu.Unlock()
	return g.wsClients
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("gateway: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}

func deviceErrStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNoSuchDevice):
		return http.StatusNotFound
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotConnected):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// compressResponses encodes JSON responses with brotli or gzip per
// Accept-Encoding. Non-JSON responses (frame bytes, clip files) pass
// through untouched so Content-Length and Range keep working.
func compressResponses(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := negotiateEncoding(r.Header.Get("Accept-Encoding"))
		if enc == "" || r.Header.Get("Range") != "" {
			next.ServeHTTP(w, r)
			return
		}
		cw := &compressWriter{ResponseWriter: w, encoding: enc}
		defer cw.Close()
		next.ServeHTTP(cw, r)
	})
}

func negotiateEncoding(accept string) string {
	switch {
	case strings.Contains(accept, "br"):
		return "br"
	case strings.Contains(accept, "gzip"):
		return "gzip"
	}
	return ""
}

// compressWriter defers the compression decision to the first write so
// it can look at the Content-Type the handler chose.
type compressWriter struct {
	http.ResponseWriter
	encoding string
	zw       io.WriteCloser
	decided  bool
}

func (w *compressWriter) decide() {
	if w.decided {
		return
	}
	w.decided = true
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		return
	}
	w.Header().Del("Content-Length")
	w.Header().Set("Content-Encoding", w.encoding)
	w.Header().Add("Vary", "Accept-Encoding")
	switch w.encoding {
	case "br":
		w.zw = brotli.NewWriter(w.ResponseWriter)
	case "gzip":
		w.zw = gzip.NewWriter(w.ResponseWriter)
	}
}

func (w *compressWriter) WriteHeader(code int) {
	w.decide()
	w.ResponseWriter.WriteHeader(code)
}

func (w *compressWriter) Write(p []byte) (int, error) {
	w.decide()
	if w.zw != nil {
		return w.zw.Write(p)
	}
	return w.ResponseWriter.Write(p)
}

func (w *compressWriter) Close() error {
	if w.zw != nil {
		return w.zw.Close()
	}
	return nil
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps WebSocket upgrades working behind the logger.
func (w *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("gateway: response writer does not support hijacking")
	}
	return h.Hijack()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		log.Printf(
			"gateway: %s %s status=%d bytes=%d dur=%s remote=%s",
			r.Method, r.URL.Path, status, lw.bytes, time.Since(start).Round(time.Millisecond), r.RemoteAddr,
		)
	})
}
