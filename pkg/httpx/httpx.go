package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cgonzalosoriano/compraElectrica-sub000/pkg/domain"

	"github.com/google/uuid"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// WriteDomainError maps the negotiation error taxonomy onto HTTP statuses:
// validation 400, actor 403, missing 404, transition/signature/version
// conflicts 409, collaborator failures 502.
func WriteDomainError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	var te *domain.TransitionError
	var ae *domain.ActorError
	var ue *domain.UpstreamError
	switch {
	case errors.As(err, &ve):
		WriteError(w, 400, "VALIDATION_ERROR", ve.Error(), map[string]any{"field": ve.Field})
	case errors.As(err, &ae):
		WriteError(w, 403, "INVALID_ACTOR", ae.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		WriteError(w, 404, "NOT_FOUND", err.Error(), nil)
	case errors.As(err, &te):
		WriteError(w, 409, "INVALID_TRANSITION", te.Error(), map[string]any{"from": te.From})
	case errors.Is(err, domain.ErrAlreadySigned):
		WriteError(w, 409, "ALREADY_SIGNED", err.Error(), nil)
	case errors.Is(err, domain.ErrNotReady):
		WriteError(w, 409, "NOT_READY", err.Error(), nil)
	case errors.Is(err, domain.ErrVersionConflict):
		WriteError(w, 409, "CONCURRENT_MODIFICATION", err.Error(), nil)
	case errors.As(err, &ue):
		WriteError(w, 502, "UPSTREAM_FAILURE", ue.Error(), nil)
	default:
		WriteError(w, 500, "INTERNAL", err.Error(), nil)
	}
}
