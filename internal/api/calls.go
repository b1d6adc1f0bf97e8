package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/callkernel/internal/database"
	"github.com/snarg/callkernel/internal/ingest"
)

// CallsHandler exposes packet submission and call status lookup.
type CallsHandler struct {
	store       database.Store
	coordinator *ingest.Coordinator
}

func NewCallsHandler(store database.Store, coordinator *ingest.Coordinator) *CallsHandler {
	return &CallsHandler{store: store, coordinator: coordinator}
}

func (h *CallsHandler) Routes(r chi.Router) {
	r.Post("/calls/{call_id}/packets", h.submitPacket)
	r.Get("/calls/{call_id}", h.getCall)
}

type submitPacketRequest struct {
	Sequence  int64  `json:"sequence"`
	Data      string `json:"data"` // base64-encoded packet payload
	Timestamp string `json:"timestamp,omitempty"` // RFC3339; defaults to now
}

type submitPacketResponse struct {
	Status   string `json:"status"`
	CallID   string `json:"call_id"`
	Sequence int64  `json:"sequence"`
	Message  string `json:"message,omitempty"`
}

func (h *CallsHandler) submitPacket(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "call_id")
	if callID == "" {
		WriteError(w, http.StatusBadRequest, "call_id is required")
		return
	}

	var req submitPacketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Sequence < 0 {
		WriteError(w, http.StatusBadRequest, "sequence must be non-negative")
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "data must be base64-encoded")
		return
	}

	ts := time.Now().UTC()
	if req.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "timestamp must be RFC3339")
			return
		}
		ts = parsed
	}

	result, err := h.coordinator.Submit(r.Context(), callID, req.Sequence, data, ts)
	if err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrIngestFailed, err.Error())
		return
	}

	WriteJSON(w, http.StatusAccepted, submitPacketResponse{
		Status:   "accepted",
		CallID:   result.CallID,
		Sequence: result.Sequence,
		Message:  result.Message,
	})
}

type callStatusResponse struct {
	CallID       string  `json:"call_id"`
	State        string  `json:"state"`
	LastSequence int64   `json:"last_sequence"`
	PacketCount  int64   `json:"packet_count"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	HasAIResult  bool    `json:"has_ai_result"`
	Transcript   string  `json:"transcript,omitempty"`
	Sentiment    string  `json:"sentiment,omitempty"`
	AIStatus     string  `json:"ai_status,omitempty"`
	RetryCount   int     `json:"retry_count,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

func (h *CallsHandler) getCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "call_id")
	if callID == "" {
		WriteError(w, http.StatusBadRequest, "call_id is required")
		return
	}

	snap, err := h.store.GetCallSnapshot(r.Context(), callID)
	if errors.Is(err, database.ErrCallNotFound) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "call not found")
		return
	}
	if err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}

	resp := callStatusResponse{
		CallID:       snap.Call.CallID,
		State:        snap.Call.State,
		LastSequence: snap.Call.LastSequence,
		PacketCount:  snap.PacketCount,
		CreatedAt:    snap.Call.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    snap.Call.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if snap.AIResult != nil {
		resp.HasAIResult = true
		resp.Transcript = snap.AIResult.Transcript
		resp.Sentiment = snap.AIResult.Sentiment
		resp.AIStatus = snap.AIResult.Status
		resp.RetryCount = snap.AIResult.RetryCount
		resp.ErrorMessage = snap.AIResult.ErrorMessage
	}

	WriteJSON(w, http.StatusOK, resp)
}
