package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/brojonat/waveportal/service/db"
	"github.com/brojonat/waveportal/service/errs"
	"github.com/brojonat/waveportal/service/portal"
)

const (
	maxRequestBodySize = 64 << 10 // a wave message is a few hundred bytes
	maxAddressLength   = 100      // Solana addresses are 44 chars, give buffer
	maxListLimit       = 1000
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// handleGetState returns the current render state.
// GET /api/v1/state
func handleGetState(p Portal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, p.State(), http.StatusOK)
	})
}

// handleConnect asks the wallet for access.
// POST /api/v1/connect
func handleConnect(p Portal, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := p.Connect(r.Context()); err != nil {
			logger.InfoContext(r.Context(), "connect failed", "kind", errs.KindOf(err), "error", err)
			writeKindError(w, err)
			return
		}
		writeJSON(w, p.State(), http.StatusOK)
	})
}

type setMessageRequest struct {
	Text string `json:"text"`
}

// handleSetMessage replaces the pending message text.
// PUT /api/v1/message
func handleSetMessage(p Portal, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req setMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.DebugContext(r.Context(), "invalid message body", "error", err)
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		p.SetMessageText(req.Text)
		writeJSON(w, p.State(), http.StatusOK)
	})
}

type submitResponse struct {
	Handle    string    `json:"handle"`
	Slot      uint64    `json:"slot,omitempty"`
	BlockTime time.Time `json:"block_time"`
	Address   string    `json:"address"`
	Message   string    `json:"message"`
}

// handleSubmit sends the pending message. By default the submission runs in
// the background and the handler returns 202; progress is visible through
// notifications on the state stream. With ?wait=true the handler blocks
// until the wave is mined or fails.
// POST /api/v1/submit
func handleSubmit(p Portal, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

		// The submission outlives the request: a client disconnect must not
		// abandon a signed transaction mid-confirmation.
		ctx := context.WithoutCancel(r.Context())

		type outcome struct {
			resp *submitResponse
			err  error
		}
		done := make(chan outcome, 1)
		go func() {
			res, err := p.Submit(ctx)
			if err != nil {
				logger.InfoContext(ctx, "submit failed", "kind", errs.KindOf(err), "error", err)
				done <- outcome{err: err}
				return
			}
			done <- outcome{resp: &submitResponse{
				Handle:    res.Handle,
				Slot:      res.Receipt.Slot,
				BlockTime: res.Receipt.BlockTime,
				Address:   res.Record.Address,
				Message:   res.Record.Message,
			}}
		}()

		if !wait {
			writeJSON(w, map[string]string{"status": "submitted"}, http.StatusAccepted)
			return
		}

		select {
		case out := <-done:
			if out.err != nil {
				writeKindError(w, out.err)
				return
			}
			writeJSON(w, out.resp, http.StatusOK)
		case <-r.Context().Done():
		}
	})
}

// handleRefresh re-reads the log and reopens the live feed.
// POST /api/v1/refresh
func handleRefresh(p Portal, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := p.Refresh(r.Context()); err != nil {
			logger.InfoContext(r.Context(), "refresh failed", "kind", errs.KindOf(err), "error", err)
			writeKindError(w, err)
			return
		}
		writeJSON(w, p.State(), http.StatusOK)
	})
}

// handleDismiss closes a notification.
// DELETE /api/v1/notifications/{id}
func handleDismiss(p Portal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.Dismiss(r.PathValue("id")) {
			writeError(w, "notification not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// waveResponse is the JSON response format for an archived wave.
type waveResponse struct {
	Address   string    `json:"address"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Signature *string   `json:"signature,omitempty"`
	Slot      int64     `json:"slot,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// handleListWaves lists archived waves newest first.
// GET /api/v1/waves?address={address}&limit={limit}&offset={offset}
func handleListWaves(archive Archive, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		address := query.Get("address")
		if address != "" {
			if err := validateAddress(address); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		limit, err := parseBoundedInt(query.Get("limit"), 100, 1, maxListLimit)
		if err != nil {
			writeError(w, fmt.Sprintf("invalid limit parameter: %v", err), http.StatusBadRequest)
			return
		}
		offset, err := parseBoundedInt(query.Get("offset"), 0, 0, 1<<30)
		if err != nil {
			writeError(w, fmt.Sprintf("invalid offset parameter: %v", err), http.StatusBadRequest)
			return
		}

		waves, err := archive.ListWaves(r.Context(), db.ListWavesParams{
			Address: address,
			Limit:   int32(limit),
			Offset:  int32(offset),
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list waves", "address", address, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]waveResponse, len(waves))
		for i, wave := range waves {
			resp[i] = waveResponse{
				Address:   wave.Address,
				Timestamp: wave.Timestamp,
				Message:   wave.Message,
				Signature: wave.Signature,
				Slot:      wave.Slot,
				CreatedAt: wave.CreatedAt,
			}
		}

		writeJSON(w, map[string]interface{}{
			"waves":  resp,
			"count":  len(resp),
			"limit":  limit,
			"offset": offset,
		}, http.StatusOK)
	})
}

// statusForKind maps a failure kind to an HTTP status.
func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.ProviderMissing:
		return http.StatusPreconditionFailed
	case errs.PermissionDenied, errs.SubmissionRejected:
		return http.StatusForbidden
	case errs.NotConnected, errs.SubmissionInFlight:
		return http.StatusConflict
	case errs.TransactionReverted:
		return http.StatusUnprocessableEntity
	case errs.ReadFailure, errs.SubscriptionFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string    `json:"error"`
	Kind  errs.Kind `json:"kind,omitempty"`
}

func writeKindError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	writeJSON(w, errorResponse{Error: errs.Detail(err), Kind: kind}, statusForKind(kind))
}

func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, errorResponse{Error: message}, statusCode)
}

func validateAddress(address string) error {
	if len(address) > maxAddressLength {
		return fmt.Errorf("address too long (max %d characters)", maxAddressLength)
	}
	if !validAddressRegex.MatchString(address) {
		return fmt.Errorf("address contains invalid characters (must be base58)")
	}
	return nil
}

func parseBoundedInt(value string, def, min, max int) (int, error) {
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if n < min || n > max {
		return 0, fmt.Errorf("must be between %d and %d", min, max)
	}
	return n, nil
}

// stateJSON is used by the SSE stream and page.
func stateJSON(st portal.State) ([]byte, error) {
	return json.Marshal(st)
}
