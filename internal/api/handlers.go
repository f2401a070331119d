package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/geocrypt/backend/internal/access"
	"github.com/geocrypt/backend/internal/anomaly"
	"github.com/geocrypt/backend/internal/audit"
	"github.com/geocrypt/backend/internal/core"
	"github.com/geocrypt/backend/internal/envelope"
	"github.com/geocrypt/backend/internal/gateway"
	"github.com/geocrypt/backend/internal/middleware"
	"github.com/geocrypt/backend/internal/overrides"
	"github.com/geocrypt/backend/internal/vault"
)

// decodeOptional decodes a JSON body into dst, accepting an empty body.
func decodeOptional(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// --- Access ---

type contextRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Network   string   `json:"network"`
	Action    string   `json:"action"`
}

func (c contextRequest) coordinates() *core.Coordinates {
	if c.Latitude == nil || c.Longitude == nil {
		return nil
	}
	return &core.Coordinates{Latitude: *c.Latitude, Longitude: *c.Longitude}
}

type accessResponse struct {
	Allowed    bool            `json:"allowed"`
	Reasons    []string        `json:"reasons"`
	Verdict    *access.Verdict `json:"verdict,omitempty"`
	Suspicious bool            `json:"suspicious"`
	EntryID    string          `json:"access_log_id,omitempty"`
}

func newAccessResponse(res *gateway.AccessResult) accessResponse {
	reasons := res.Entry.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	return accessResponse{
		Allowed:    res.Granted(),
		Reasons:    reasons,
		Verdict:    res.Verdict,
		Suspicious: res.Entry.Suspicious,
		EntryID:    res.Entry.ID,
	}
}

// accessErrorStatus maps gateway errors to HTTP status codes.
func accessErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, access.ErrPolicyUnavailable):
		return http.StatusServiceUnavailable, "access policy unavailable"
	case errors.Is(err, gateway.ErrAuditUnavailable):
		return http.StatusServiceUnavailable, "access log unavailable"
	case errors.Is(err, vault.ErrObjectNotFound):
		return http.StatusNotFound, "object not found"
	case errors.Is(err, envelope.ErrDecryptionFailed):
		return http.StatusInternalServerError, "decryption failed"
	default:
		return http.StatusInternalServerError, "access failed"
	}
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.gw.Access(r.Context(), gateway.AccessRequest{
		Principal:   middleware.PrincipalFrom(r.Context()),
		Action:      core.ActionView,
		Coordinates: req.coordinates(),
		NetworkID:   req.Network,
	})
	if err != nil {
		status, msg := accessErrorStatus(err)
		s.logger.Error("Access validation failed", "error", err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, newAccessResponse(res))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	action := core.ActionDownload
	if strings.EqualFold(req.Action, string(core.ActionView)) {
		action = core.ActionView
	}

	res, err := s.gw.Access(r.Context(), gateway.AccessRequest{
		Principal:   middleware.PrincipalFrom(r.Context()),
		ObjectID:    mux.Vars(r)["id"],
		Action:      action,
		Coordinates: req.coordinates(),
		NetworkID:   req.Network,
	})
	if err != nil {
		status, msg := accessErrorStatus(err)
		s.logger.Error("Object release failed", "object_id", mux.Vars(r)["id"], "error", err)
		writeError(w, status, msg)
		return
	}
	if !res.Granted() {
		writeJSON(w, http.StatusForbidden, newAccessResponse(res))
		return
	}

	w.Header().Set("Content-Type", res.Object.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Plaintext)))
	w.Header().Set("X-Access-Log-Id", res.Entry.ID)
	if action == core.ActionDownload {
		name := res.Object.OriginalFilename
		if name == "" {
			name = res.Object.Name
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(res.Plaintext)
}

// --- Objects ---

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxUploadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	q := r.URL.Query()
	obj, err := s.gw.Ingest(r.Context(), vault.IngestRequest{
		Name:             q.Get("name"),
		OriginalFilename: q.Get("filename"),
		ContentType:      r.Header.Get("Content-Type"),
		UploadedBy:       middleware.PrincipalFrom(r.Context()),
		Data:             data,
	})
	if err != nil {
		s.logger.Error("Ingest failed", "error", err)
		if errors.Is(err, gateway.ErrAuditUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "access log unavailable")
			return
		}
		writeError(w, http.StatusBadRequest, "object could not be stored")
		return
	}
	writeJSON(w, http.StatusCreated, obj)
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	objs, err := s.gw.Objects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if objs == nil {
		objs = []vault.ProtectedObject{}
	}
	writeJSON(w, http.StatusOK, objs)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	obj, err := s.gw.Object(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, vault.ErrObjectNotFound) {
		writeError(w, http.StatusNotFound, "object not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

// --- Activity and profiles ---

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind      core.ActivityKind `json:"kind"`
		Timestamp time.Time         `json:"timestamp"`
		Context   map[string]string `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Kind.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown activity kind %q", req.Kind))
		return
	}
	event, assessment, err := s.gw.RecordActivity(r.Context(), core.ActivityEvent{
		Principal: middleware.PrincipalFrom(r.Context()),
		Kind:      req.Kind,
		Timestamp: req.Timestamp,
		Context:   req.Context,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"event":      event,
		"assessment": assessment,
	})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.gw.Profile(r.Context(), mux.Vars(r)["principal"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// --- Admin ---

func (s *Server) handleGrantRemote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Days int `json:"days"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	o, err := s.gw.GrantRemote(r.Context(), mux.Vars(r)["principal"], req.Days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("Remote access approved",
		"principal", o.Principal,
		"approved_by", middleware.PrincipalFrom(r.Context()))
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleRevokeRemote(w http.ResponseWriter, r *http.Request) {
	err := s.gw.RevokeRemote(r.Context(), mux.Vars(r)["principal"])
	if errors.Is(err, overrides.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no remote access grant")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type modelResponse struct {
	Trained   bool       `json:"trained"`
	Version   uint64     `json:"version,omitempty"`
	TrainedAt *time.Time `json:"trained_at,omitempty"`
	Samples   int        `json:"samples,omitempty"`
}

func newModelResponse(m *anomaly.Model) modelResponse {
	if !m.Trained() {
		return modelResponse{}
	}
	trainedAt := m.TrainedAt
	return modelResponse{Trained: true, Version: m.Version, TrainedAt: &trainedAt, Samples: m.Samples}
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Since time.Time `json:"since"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	m, err := s.gw.Train(r.Context(), req.Since)
	var short *anomaly.InsufficientDataError
	if errors.As(err, &short) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error": short.Error(),
			"have":  short.Have,
			"need":  short.Need,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newModelResponse(m))
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newModelResponse(s.gw.Model()))
}

func parseQuery(r *http.Request) (audit.Query, error) {
	v := r.URL.Query()
	q := audit.Query{
		Principal: v.Get("principal"),
		ObjectID:  v.Get("object_id"),
		Outcome:   core.Outcome(strings.ToUpper(v.Get("outcome"))),
		Limit:     100,
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, fmt.Errorf("invalid limit %q", s)
		}
		q.Limit = n
	}
	for key, dst := range map[string]*time.Time{"since": &q.Since, "until": &q.Until} {
		if s := v.Get(key); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return q, fmt.Errorf("invalid %s %q", key, s)
			}
			*dst = t
		}
	}
	return q, nil
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.gw.AccessLogs(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []core.AccessLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleVerifyLogs(w http.ResponseWriter, r *http.Request) {
	bad, err := s.gw.VerifyLog(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{"intact": bad < 0}
	if bad >= 0 {
		resp["first_bad_index"] = bad
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	unresolved, _ := strconv.ParseBool(r.URL.Query().Get("unresolved"))
	alerts, err := s.gw.Alerts(r.Context(), unresolved)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if alerts == nil {
		alerts = []core.SecurityAlert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	err := s.gw.ResolveAlert(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, audit.ErrAlertNotFound) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
