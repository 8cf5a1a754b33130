package api

import (
	"net/http"

	"github.com/casket-io/casket/pkg/auth"
	"github.com/casket-io/casket/pkg/cas"
	"github.com/casket-io/casket/pkg/model"
	"github.com/casket-io/casket/pkg/storage"
	"github.com/casket-io/casket/pkg/store"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type errString string

func (e errString) Error() string { return string(e) }

// errBadRequest tags malformed input so it maps to 400 rather than 500
const errBadRequest errString = "bad request"

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto HTTP statuses. Anything unmapped is a
// 500 whose cause is logged, never echoed.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	msg := http.StatusText(status)
	if status < http.StatusInternalServerError {
		msg = err.Error()
	} else {
		h.l.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	h.writeJSON(w, status, errorResponse{Error: msg})
}

func statusFor(err error) int {
	var (
		mismatch *model.HashMismatch
		badKey   *model.BadKey
		tooBig   *http.MaxBytesError
	)
	switch {
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound),
		errors.Is(err, store.CredentialNotFound),
		errors.Is(err, store.NodeNotFound),
		errors.Is(err, store.OwnershipNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyWritten):
		return http.StatusConflict
	case errors.Is(err, model.ErrQuotaExceeded),
		errors.Is(err, storage.ErrObjectTooBig),
		errors.As(err, &tooBig),
		errors.Is(err, cas.ErrChunkTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, model.ErrContentTypeRejected):
		return http.StatusUnsupportedMediaType
	case errors.As(err, &mismatch),
		errors.As(err, &badKey),
		errors.Is(err, errBadRequest),
		errors.Is(err, auth.ErrKeyRequired),
		errors.Is(err, auth.ErrNameRequired),
		errors.Is(err, store.InvalidCursor):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
