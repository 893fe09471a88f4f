package discord

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/disgoorg/disgo/rest"
)

// HTTPError is a non-2xx REST response, flattened from rest.Error so classifiers only
// need StatusCode.
type HTTPError struct {
	Method  string
	Path    string
	Status  int
	Code    rest.JSONErrorCode
	Message string

	err error
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("discord %s %s: http=%d code=%d: %s", e.Method, e.Path, e.Status, e.Code, e.Message)
}

func (e *HTTPError) Unwrap() error { return e.err }

// StatusCode exposes the HTTP status for error classifiers.
func (e *HTTPError) StatusCode() int { return e.Status }

func (e *HTTPError) unknownMember() bool {
	return e.Status == http.StatusNotFound &&
		(e.Code == rest.JSONErrorCodeUnknownMember || e.Code == rest.JSONErrorCodeUnknownUser)
}

// wrapErr turns a rest.Error into an *HTTPError. Transport errors pass through.
func wrapErr(err error) error {
	var rerr *rest.Error
	if !errors.As(err, &rerr) || rerr.Response == nil {
		return err
	}
	herr := &HTTPError{
		Status:  rerr.Response.StatusCode,
		Code:    rerr.Code,
		Message: rerr.Message,
		err:     err,
	}
	if rq := rerr.Request; rq != nil {
		herr.Method, herr.Path = rq.Method, rq.URL.Path
	}
	return herr
}

func isUnknownMember(err error) bool {
	var herr *HTTPError
	return errors.As(err, &herr) && herr.unknownMember()
}
