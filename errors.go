package main

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"
	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
)

// ErrResponse renders an error as JSON with its HTTP status.
type ErrResponse struct {
	Err            error `json:"-"`
	HTTPStatusCode int   `json:"-"`

	StatusText string `json:"status"`
	ErrorText  string `json:"error,omitempty"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func newErrResponse(err error, status int, text string) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: status,
		StatusText:     text,
		ErrorText:      err.Error(),
	}
}

func ErrInvalidRequest(err error) render.Renderer {
	return newErrResponse(err, http.StatusBadRequest, "Invalid request.")
}

func ErrRender(err error) render.Renderer {
	return newErrResponse(err, http.StatusUnprocessableEntity, "Error rendering response.")
}

func ErrUnauthorized(err error) render.Renderer {
	return newErrResponse(err, http.StatusUnauthorized, "Unauthorized.")
}

func ErrPermissionDenied(err error) render.Renderer {
	return newErrResponse(err, http.StatusForbidden, "Permission denied.")
}

func ErrConflict(err error) render.Renderer {
	return newErrResponse(err, http.StatusConflict, "Conflict.")
}

var ErrNotFound = &ErrResponse{HTTPStatusCode: http.StatusNotFound, StatusText: "Resource not found."}

// ErrDevice maps device errors to statuses. Failures the operator can resolve at the setup conflict
// with the request, anything else is a server error.
func ErrDevice(err error) render.Renderer {
	var (
		noJet       merrors.NoJetError
		noPlasma    merrors.NoPlasmaError
		recognition merrors.RecognitionError
		fit         merrors.FitError
		motor       merrors.MotorError
		calibration merrors.CalibrationError
	)
	if errors.Is(err, merrors.ErrStopped) ||
		errors.As(err, &noJet) || errors.As(err, &noPlasma) || errors.As(err, &recognition) ||
		errors.As(err, &fit) || errors.As(err, &motor) || errors.As(err, &calibration) {
		return ErrConflict(err)
	}
	return newErrResponse(err, http.StatusInternalServerError, "Device error.")
}
