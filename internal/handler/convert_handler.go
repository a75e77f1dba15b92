package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"convert-service/internal/repository"
	"convert-service/internal/service"
	"convert-service/internal/util"
)

const maxBodyBytes = 64 << 10

const (
	msgCapacity    = "We're experiencing high demand right now and have temporarily reached our capacity. Please try again later."
	msgInternal    = "An internal server error occurred."
	msgNoProfile   = "User profile not found. Please contact support."
	msgInvalidBody = "Invalid request body."
)

// ConvertHandler serves the conversion and usage endpoints.
type ConvertHandler struct {
	convertService *service.ConvertService
	logger         *zap.Logger
}

func NewConvertHandler(convertService *service.ConvertService, logger *zap.Logger) *ConvertHandler {
	return &ConvertHandler{
		convertService: convertService,
		logger:         logger,
	}
}

type ConvertRequest struct {
	InputText string `json:"inputText"`
}

type ConvertResponse struct {
	ConvertedText string `json:"convertedText"`
	Remaining     int    `json:"remaining"`
}

// ErrorResponse is the body of every non-2xx reply. Limit rejections also carry the
// quota fields.
type ErrorResponse struct {
	Error             string `json:"error"`
	Remaining         *int   `json:"remaining,omitempty"`
	Limit             int    `json:"limit,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

type ThrottleUsage struct {
	Count             int64 `json:"count"`
	Limit             int   `json:"limit"`
	RetryAfterSeconds int   `json:"retryAfterSeconds,omitempty"`
}

type UsageResponse struct {
	RequestsMade  int           `json:"requestsMade"`
	RequestsLimit int           `json:"requestsLimit"`
	Remaining     int           `json:"remaining"`
	ResetAt       time.Time     `json:"resetAt"`
	Throttle      ThrottleUsage `json:"throttle"`
}

// Convert handles POST /convert.
func (h *ConvertHandler) Convert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	userID, ok := UserIDFromContext(ctx)
	if !ok {
		h.respondWithJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized: Missing token."})
		return
	}

	var req ConvertRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, msgInvalidBody)
		return
	}

	result, err := h.convertService.Convert(ctx, userID, req.InputText)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, ConvertResponse{
		ConvertedText: result.ConvertedText,
		Remaining:     result.Remaining,
	})
	h.logger.Info("Text converted",
		util.UserID(userID),
		util.Int("remaining", result.Remaining),
		util.Duration("duration", time.Since(startTime)),
	)
}

// Usage handles GET /usage.
func (h *ConvertHandler) Usage(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		h.respondWithJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized: Missing token."})
		return
	}

	snapshot, err := h.convertService.Usage(r.Context(), userID)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, UsageResponse{
		RequestsMade:  snapshot.RequestsMade,
		RequestsLimit: snapshot.RequestsLimit,
		Remaining:     snapshot.Remaining,
		ResetAt:       snapshot.ResetAt,
		Throttle: ThrottleUsage{
			Count:             snapshot.ThrottleCount,
			Limit:             snapshot.ThrottleLimit,
			RetryAfterSeconds: ceilSeconds(snapshot.ThrottleResetIn),
		},
	})
}

func (h *ConvertHandler) respondWithServiceError(w http.ResponseWriter, err error) {
	statusCode := h.getStatusCode(err)

	var throttled *service.ThrottledError
	if errors.As(err, &throttled) {
		zero := 0
		if secs := throttled.RetryAfterSeconds(); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		h.respondWithJSON(w, statusCode, ErrorResponse{
			Error:             throttled.Error(),
			Remaining:         &zero,
			Limit:             throttled.Limit,
			RetryAfterSeconds: throttled.RetryAfterSeconds(),
		})
		return
	}

	var exceeded *service.QuotaExceededError
	if errors.As(err, &exceeded) {
		remaining := exceeded.Remaining
		h.respondWithJSON(w, statusCode, ErrorResponse{
			Error:     exceeded.Error(),
			Remaining: &remaining,
			Limit:     exceeded.Limit,
		})
		return
	}

	switch statusCode {
	case http.StatusBadRequest:
		h.respondWithError(w, statusCode, err, "Input text is required.")
	case http.StatusServiceUnavailable:
		h.respondWithError(w, statusCode, err, msgCapacity)
	default:
		message := msgInternal
		if errors.Is(err, repository.ErrQuotaNotFound) {
			message = msgNoProfile
		}
		h.respondWithError(w, statusCode, err, message)
	}
}

// Helper Methods

// respondWithJSON sends a JSON response
func (h *ConvertHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data any) {
	writeJSON(w, h.logger, statusCode, data)
}

// respondWithError logs err and sends message to the client
func (h *ConvertHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	log := h.logger.Warn
	if statusCode >= http.StatusInternalServerError {
		log = h.logger.Error
	}
	log("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, ErrorResponse{Error: message})
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *ConvertHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrThrottled), errors.Is(err, service.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrUpstreamCapacity):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
