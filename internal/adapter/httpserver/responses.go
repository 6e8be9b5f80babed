package httpserver

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/adi99/vidai/internal/domain"
)

// API error codes. The envelope is flat: {code, message, details?, timestamp}.
const (
	codeValidation     = "VALIDATION_ERROR"
	codeInsufficient   = "INSUFFICIENT_CREDITS"
	codeRateLimited    = "RATE_LIMITED"
	codeNotFound       = "NOT_FOUND"
	codeNotOwner       = "NOT_OWNER"
	codeNotCancellable = "NOT_CANCELLABLE"
	codeUnauthorized   = "UNAUTHORIZED"
	codeCancelFailed   = "JOB_CANCEL_ERROR"
	codeInternal       = "INTERNAL_SERVER_ERROR"
)

type apiError struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string, details interface{}) {
	writeJSON(w, status, apiError{Code: code, Message: message, Details: details, Timestamp: time.Now().UTC()})
}

// queueErrorCode picks the per-queue 503 code for a failed admission.
func queueErrorCode(kind domain.JobKind) string {
	switch kind {
	case domain.KindVideo:
		return "VIDEO_QUEUE_ERROR"
	case domain.KindTraining:
		return "TRAINING_QUEUE_ERROR"
	default:
		return "IMAGE_QUEUE_ERROR"
	}
}

// retryAfterSeconds rounds a retry hint up to whole seconds for the
// Retry-After header; denials always advertise at least one second.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	status := http.StatusInternalServerError
	code := codeInternal
	var rle *domain.RateLimitError
	switch {
	case errors.As(err, &rle):
		secs := retryAfterSeconds(rle.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		if details == nil {
			details = map[string]interface{}{"action": rle.Action, "retryAfterSeconds": secs}
		}
		status = http.StatusTooManyRequests
		code = codeRateLimited
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
		code = codeRateLimited
	case errors.Is(err, domain.ErrInsufficientCredits):
		status = http.StatusPaymentRequired
		code = codeInsufficient
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
		code = codeValidation
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		code = codeNotFound
	case errors.Is(err, domain.ErrNotOwner):
		status = http.StatusForbidden
		code = codeNotOwner
	case errors.Is(err, domain.ErrNotCancellable):
		status = http.StatusConflict
		code = codeNotCancellable
	}
	writeErrorCode(w, status, code, err.Error(), details)
}
