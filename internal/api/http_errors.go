package api

import (
	"net/http"

	"github.com/ensemble-ai/ensemble/internal/core"
)

// statusFor maps domain error categories onto HTTP status codes.
func statusFor(err error) int {
	switch core.GetCategory(err) {
	case core.ErrCatValidation:
		return http.StatusBadRequest
	case core.ErrCatAccess:
		return http.StatusForbidden
	case core.ErrCatNotFound:
		return http.StatusNotFound
	case core.ErrCatConflict:
		return http.StatusConflict
	case core.ErrCatTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// respondDomainError converts a domain error into the JSON error shape.
func respondDomainError(w http.ResponseWriter, err error) {
	respondJSON(w, statusFor(err), map[string]string{
		"error":    err.Error(),
		"category": string(core.GetCategory(err)),
	})
}
