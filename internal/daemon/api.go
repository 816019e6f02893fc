package daemon

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yairfalse/sweep/orchestrator"
	"github.com/yairfalse/sweep/storage"
	"github.com/yairfalse/sweep/types"
)

// maxRequestBody bounds the scan request body
const maxRequestBody = 1 << 20

// StartScanResponse is returned by POST /api/scans
type StartScanResponse struct {
	ScanID string `json:"scan_id"`
}

// DeleteScanResponse is returned by DELETE /api/scans/{id}
type DeleteScanResponse struct {
	ScanID         string `json:"scan_id"`
	ResultsDeleted int    `json:"results_deleted"`
}

// PurgeRequest is the body of POST /api/purge
type PurgeRequest struct {
	Before time.Time `json:"before"`
}

// Handler returns the API routes
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/scans", d.instrument("/api/scans", d.handleStartScan))
	mux.HandleFunc("GET /api/scans", d.instrument("/api/scans", d.handleListScans))
	mux.HandleFunc("GET /api/scans/{id}", d.instrument("/api/scans/{id}", d.handleGetScan))
	mux.HandleFunc("DELETE /api/scans/{id}", d.instrument("/api/scans/{id}", d.handleDeleteScan))
	mux.HandleFunc("POST /api/scans/{id}/cancel", d.instrument("/api/scans/{id}/cancel", d.handleCancelScan))
	mux.HandleFunc("GET /api/scans/{id}/results", d.instrument("/api/scans/{id}/results", d.handleResults))
	mux.HandleFunc("GET /api/scans/{id}/logs/{stream}", d.instrument("/api/scans/{id}/logs/{stream}", d.handleLogs))
	mux.HandleFunc("GET /api/stats", d.instrument("/api/stats", d.handleStats))
	mux.HandleFunc("POST /api/purge", d.instrument("/api/purge", d.handlePurge))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Health())
	})

	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if d.registry != nil {
		gatherer = d.registry
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return mux
}

func (d *Daemon) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var targets types.Targets
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&targets); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, err := d.svc.StartScan(r.Context(), targets)
	if err != nil {
		status := statusFor(err)
		if id != "" {
			writeJSON(w, status, map[string]string{"error": err.Error(), "scan_id": id})
			return
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, StartScanResponse{ScanID: id})
}

func (d *Daemon) handleListScans(w http.ResponseWriter, r *http.Request) {
	q := storage.ScanQuery{}
	params := r.URL.Query()

	for _, raw := range params["state"] {
		for _, v := range strings.Split(raw, ",") {
			if v == "" {
				continue
			}
			st, err := types.ParseState(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			q.States = append(q.States, st)
		}
	}

	var err error
	if q.Since, err = parseTime(params.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
		return
	}
	if q.Limit, q.Offset, err = parsePage(params); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := d.svc.ListScans(r.Context(), q)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if recs == nil {
		recs = []*types.ScanRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (d *Daemon) handleGetScan(w http.ResponseWriter, r *http.Request) {
	rec, err := d.svc.GetScan(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (d *Daemon) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := d.svc.DeleteScan(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, DeleteScanResponse{ScanID: id, ResultsDeleted: n})
}

func (d *Daemon) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := d.svc.CancelScan(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, StartScanResponse{ScanID: id})
}

func (d *Daemon) handleResults(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := storage.ResultQuery{
		Service:   params.Get("service"),
		Region:    params.Get("region"),
		Operation: params.Get("operation"),
	}
	var err error
	if q.Limit, q.Offset, err = parsePage(params); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := d.svc.QueryResults(r.Context(), r.PathValue("id"), q)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if items == nil {
		items = []types.ResultItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (d *Daemon) handleLogs(w http.ResponseWriter, r *http.Request) {
	stream := r.PathValue("stream")
	switch stream {
	case "stdout", "stderr", orchestrator.StreamEvents:
	default:
		writeError(w, http.StatusBadRequest, "unknown log stream "+strconv.Quote(stream))
		return
	}

	rc, err := d.svc.OpenLog(r.Context(), r.PathValue("id"), stream)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	defer rc.Close()

	if stream == orchestrator.StreamEvents {
		w.Header().Set("Content-Type", "application/x-ndjson")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		d.logger.WithContext(r.Context()).Warn().Err(err).Str("stream", stream).Msg("log stream interrupted")
	}
}

func (d *Daemon) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := d.svc.Stats(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (d *Daemon) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req PurgeRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Before.IsZero() {
		writeError(w, http.StatusBadRequest, "before is required")
		return
	}

	stats, err := d.svc.Purge(r.Context(), req.Before)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// instrument records request count and latency per route
func (d *Daemon) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		d.metrics.RecordRequest(r.Context(), r.Method+" "+route, rec.status, time.Since(start))
		d.logger.WithContext(r.Context()).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request served")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrScanActive):
		return http.StatusConflict
	case errors.Is(err, types.ErrConcurrencyExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrDirectoryUnavailable), errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parsePage(params map[string][]string) (limit, offset int, err error) {
	get := func(key string) (int, error) {
		vals := params[key]
		if len(vals) == 0 || vals[0] == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(vals[0])
		if err != nil || n < 0 {
			return 0, errors.New("invalid " + key + ": " + strconv.Quote(vals[0]))
		}
		return n, nil
	}
	if limit, err = get("limit"); err != nil {
		return 0, 0, err
	}
	if offset, err = get("offset"); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
	}
}
