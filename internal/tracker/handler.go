package tracker

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/chatmeter/chatmeter/internal/api"
	"github.com/chatmeter/chatmeter/internal/detector"
	"github.com/chatmeter/chatmeter/internal/metrics"
)

// Message types accepted by the events endpoint. The set mirrors what the
// extension surfaces send.
const (
	TypeNewMessage         = "NEW_MESSAGE"
	TypeNewChatStarted     = "NEW_CHAT_STARTED"
	TypeTokensUpdated      = "TOKENS_UPDATED"
	TypeFileUploadDetected = "FILE_UPLOAD_DETECTED"
	TypeResetCounter       = "RESET_COUNTER"
	TypeUpdateLimit        = "UPDATE_LIMIT"
	TypeUpdateSettings     = "UPDATE_SETTINGS"
	TypeGetStats           = "GET_STATS"
	TypeEndCurrentChat     = "END_CURRENT_CHAT"
	TypeManualResetCheck   = "MANUAL_RESET_CHECK"
)

// Envelope is the typed message posted to /api/v1/events. Only Type is
// mandatory; the rest is per-type payload.
type Envelope struct {
	Type         string                `json:"type" validate:"required"`
	Delta        int                   `json:"delta,omitempty"`
	Limit        int                   `json:"limit,omitempty"`
	NewTokens    int                   `json:"newTokens,omitempty"`
	TotalTokens  int                   `json:"totalTokens,omitempty"`
	MessageCount int                   `json:"messageCount,omitempty"`
	SessionID    string                `json:"sessionId,omitempty"`
	Files        []detector.FileUpload `json:"files,omitempty"`
	Settings     *Settings             `json:"settings,omitempty"`
}

// ManualFileRequest is the popup's manual attachment entry.
type ManualFileRequest struct {
	FileName string  `json:"fileName" validate:"required"`
	Size     float64 `json:"size" validate:"required,gt=0"`
	Unit     string  `json:"unit" validate:"required,oneof=B KB MB GB"`
}

type Handler struct {
	svc      *Service
	det      *detector.Detector
	validate *validator.Validate
}

func NewHandler(svc *Service, det *detector.Detector) *Handler {
	return &Handler{
		svc:      svc,
		det:      det,
		validate: validator.New(),
	}
}

// Events dispatches one typed protocol message.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		metrics.EventsProcessedTotal.WithLabelValues("invalid", "error").Inc()
		api.HandleError(w, api.NewBadRequestError("invalid JSON body"))
		return
	}
	if err := h.validate.Struct(env); err != nil {
		metrics.EventsProcessedTotal.WithLabelValues("invalid", "error").Inc()
		api.HandleError(w, api.NewValidationError("type is required"))
		return
	}

	ctx := r.Context()
	var (
		payload any
		err     error
	)

	switch env.Type {
	case TypeNewMessage:
		delta := env.Delta
		if delta <= 0 {
			delta = 1
		}
		payload, err = h.svc.ApplyDelta(ctx, delta, "message", env.SessionID)

	case TypeNewChatStarted:
		sessionID := strings.TrimSpace(env.SessionID)
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		if err = h.svc.NewSession(ctx, sessionID); err == nil {
			payload, err = h.svc.GetStats(ctx)
		}

	case TypeTokensUpdated:
		if err = h.svc.RecordTokens(ctx, env.NewTokens, env.TotalTokens, env.MessageCount); err == nil {
			payload, err = h.svc.GetStats(ctx)
		}

	case TypeFileUploadDetected:
		if err = h.svc.RecordFiles(ctx, env.Files); err == nil {
			payload, err = h.svc.GetStats(ctx)
		}

	case TypeResetCounter:
		payload, err = h.svc.ResetCounter(ctx)

	case TypeUpdateLimit:
		payload, err = h.svc.UpdateLimit(ctx, env.Limit)

	case TypeUpdateSettings:
		if env.Settings == nil {
			err = api.NewValidationError("settings payload is required")
			break
		}
		payload, err = h.svc.UpdateSettings(ctx, *env.Settings)

	case TypeGetStats:
		payload, err = h.svc.GetStats(ctx)

	case TypeEndCurrentChat:
		var sess *Session
		if sess, err = h.svc.EndCurrentChat(ctx); err == nil && sess == nil {
			err = api.ErrNoActiveSession
		}
		payload = sess

	case TypeManualResetCheck:
		var performed bool
		if performed, err = h.svc.DailyReset(ctx); err == nil {
			var stats Stats
			if stats, err = h.svc.GetStats(ctx); err == nil {
				payload = map[string]any{"resetPerformed": performed, "stats": stats}
			}
		}

	default:
		metrics.EventsProcessedTotal.WithLabelValues("unknown", "error").Inc()
		api.HandleError(w, api.ErrUnknownMessageType)
		return
	}

	if err != nil {
		metrics.EventsProcessedTotal.WithLabelValues(env.Type, "error").Inc()
		api.HandleError(w, mapServiceError(err))
		return
	}

	metrics.EventsProcessedTotal.WithLabelValues(env.Type, "ok").Inc()
	api.JSON(w, http.StatusOK, payload)
}

// GetStats answers the popup's poll.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.GetStats(r.Context())
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, stats)
}

// IngestSnapshot runs the detector over one raw page snapshot.
func (h *Handler) IngestSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap detector.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid JSON body"))
		return
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now()
	}

	result := h.det.Scan(r.Context(), &snap)
	metrics.SnapshotScansTotal.Inc()
	api.JSON(w, http.StatusOK, result)
}

// AddManualFile records an attachment the detector could not see.
func (h *Handler) AddManualFile(w http.ResponseWriter, r *http.Request) {
	var req ManualFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid JSON body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError("fileName, size and unit (B/KB/MB/GB) are required"))
		return
	}

	sizeKB := req.Size
	switch req.Unit {
	case "B":
		sizeKB = req.Size / 1024
	case "MB":
		sizeKB = req.Size * 1024
	case "GB":
		sizeKB = req.Size * 1024 * 1024
	}

	ext := detector.FileExtension(req.FileName)
	file := detector.FileUpload{
		FileName:        req.FileName,
		Extension:       ext,
		SizeKB:          sizeKB,
		EstimatedTokens: detector.EstimateFileTokens(req.FileName, sizeKB),
		Description:     detector.FileDescription(ext),
		Manual:          true,
		AddedAt:         time.Now(),
	}

	if err := h.svc.RecordFiles(r.Context(), []detector.FileUpload{file}); err != nil {
		api.HandleError(w, err)
		return
	}

	stats, err := h.svc.GetStats(r.Context())
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{"file": file, "stats": stats})
}

func mapServiceError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidLimit):
		return api.ErrInvalidLimit
	case errors.Is(err, ErrInvalidSettings):
		return api.NewValidationError(err.Error())
	}
	return err
}
