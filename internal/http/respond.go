package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/totem/cluster-deployer/internal/domain"
	"github.com/totem/cluster-deployer/internal/repository"
	"github.com/totem/cluster-deployer/internal/service/pipeline"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps a service error onto a status code and its coded body.
func writeFailure(w http.ResponseWriter, err error) {
	taskErr := domain.AsTaskError(err)
	status := http.StatusInternalServerError
	switch {
	case domain.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrClosed):
		status = http.StatusServiceUnavailable
	case domain.IsLocked(err):
		status = http.StatusConflict
	case domain.IsTransient(err):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{
		"error":   taskErr.Message,
		"code":    taskErr.Code,
		"details": taskErr.Details,
	})
}
