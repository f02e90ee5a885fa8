package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"quizrank-service/internal/domain"
)

const (
	headerUserID   = "X-User-ID"
	headerUserName = "X-User-Name"
	headerUserRole = "X-User-Role"
)

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func newErrorBody(err error) errorBody {
	return errorBody{Code: domain.Code(err), Message: err.Error(), Retryable: domain.Retryable(err)}
}

// statusFor maps an error class to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: newErrorBody(err)})
}

// identify reads the caller identity set by the identity provider in front of the service.
func identify(r *http.Request) (domain.Identity, error) {
	id := domain.Identity{
		UserID: strings.TrimSpace(r.Header.Get(headerUserID)),
		Name:   strings.TrimSpace(r.Header.Get(headerUserName)),
		Role:   domain.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(headerUserRole)))),
	}
	if id.UserID == "" {
		return domain.Identity{}, domain.ErrUnauthorized
	}
	if id.Role == "" {
		id.Role = domain.RoleStudent
	}
	if id.Name == "" {
		id.Name = id.UserID
	}
	return id, nil
}

func requireRole(r *http.Request, role domain.Role) (domain.Identity, error) {
	id, err := identify(r)
	if err != nil {
		return id, err
	}
	if id.Role != role {
		return id, domain.ErrForbidden
	}
	return id, nil
}

var validate = validator.New()

// decode reads a JSON body into dst and runs its validate tags.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.Invalid("malformed body: %v", err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return domain.Invalid("field %s failed %s", fe.Field(), fe.Tag())
		}
		return domain.Invalid("%v", err)
	}
	return nil
}
