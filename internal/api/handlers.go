package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"balloon_tracker/internal/ingest"
	"balloon_tracker/internal/kml"
	"balloon_tracker/internal/logging"
	"balloon_tracker/internal/state"
	"balloon_tracker/internal/status"
	"balloon_tracker/internal/storage"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// DeviceResponse is the JSON view of a device.
type DeviceResponse struct {
	*state.DeviceState
	Color string `json:"color"`
}

func deviceToResponse(ds *state.DeviceState) DeviceResponse {
	return DeviceResponse{DeviceState: ds, Color: status.Color(ds.Status)}
}

// HealthResponse reports liveness and store counts.
type HealthResponse struct {
	Status string       `json:"status"`
	Time   string       `json:"time"`
	Store  *state.Stats `json:"store,omitempty"`
	Error  string       `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Time:   s.now().UTC().Format(time.RFC3339),
	}
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Store = &stats
	writeJSON(w, http.StatusOK, resp)
}

// listOptions reads ?filter=all|not_abandoned and ?exclude=STATUS,STATUS.
func listOptions(r *http.Request) (state.ListOptions, error) {
	var opts state.ListOptions
	switch f := strings.ToLower(r.URL.Query().Get("filter")); f {
	case "", "all":
	case "not_abandoned":
		opts.ExcludeStatus = append(opts.ExcludeStatus, status.Abandoned)
	default:
		return opts, errors.New("filter must be all or not_abandoned")
	}
	if ex := r.URL.Query().Get("exclude"); ex != "" {
		for _, part := range strings.Split(ex, ",") {
			st := status.Parse(part)
			if st == "" {
				return opts, errors.New("unknown status " + strconv.Quote(strings.TrimSpace(part)))
			}
			opts.ExcludeStatus = append(opts.ExcludeStatus, st)
		}
	}
	return opts, nil
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	devices, err := s.store.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	results := make([]DeviceResponse, 0, len(devices))
	for _, ds := range devices {
		results = append(results, deviceToResponse(ds))
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ds, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ds == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, deviceToResponse(ds))
}

func (s *Server) historyQuery(r *http.Request) (storage.HistoryQuery, error) {
	q := storage.HistoryQuery{DeviceID: chi.URLParam(r, "id")}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, errors.New("Invalid since (use RFC 3339)")
		}
		q.Since = since
	} else {
		q.Since = s.now().Add(-24 * time.Hour)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return q, errors.New("limit must be a positive integer")
		}
		q.Limit = n
	}
	return q, nil
}

func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "history archive is not enabled")
		return
	}
	q, err := s.historyQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.history.History(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []storage.ArchiveRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDevicesKML(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	devices, err := s.store.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeKML(w, kml.Devices(devices, s.now()))
}

func (s *Server) handleTrackKML(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "history archive is not enabled")
		return
	}
	q, err := s.historyQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.history.History(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeKML(w, kml.Track(q.DeviceID, records, s.now()))
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ingest.Response{Status: "error", Error: "Invalid JSON: " + err.Error()})
		return
	}

	resp := s.ingester.Respond(r.Context(), req)
	if resp.Status != "success" {
		logging.Ctx(r.Context()).Debug().Str("device_id", resp.DeviceID).Str("error", resp.Error).Msg("message rejected")
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSTU always answers 200 with an stuResponseMsg; failures are
// reported in its state field.
func (s *Server) handleSTU(w http.ResponseWriter, r *http.Request) {
	var resp ingest.STUResponse
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		resp = ingest.NewSTUResponse("error", false, "read body: "+err.Error(), s.now())
	} else {
		resp = s.ingester.ProcessSTU(r.Context(), body)
	}

	out, err := resp.Marshal()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *Server) handleSetMetadata(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var md state.Metadata
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)).Decode(&md); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	md.Callsign = strings.TrimSpace(md.Callsign)
	if err := getValidator().Struct(md); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SetMetadata(r.Context(), id, md); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	logging.Ctx(r.Context()).Info().Str("device_id", id).Str("callsign", md.Callsign).Msg("metadata updated")
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "device_id": id})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Terminate(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "device_id": id})
}

func (s *Server) handleProduction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.MarkProduction(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "device_id": id})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, state.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, state.ErrNoDeviceID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Helper functions.

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeKML(w http.ResponseWriter, doc kml.KML) {
	out, err := doc.Marshal()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/vnd.google-earth.kml+xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
