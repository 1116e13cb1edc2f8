// Package handlers implements the per-nexus REST API's HTTP handlers.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/nexuscore/nexusd/pkg/nexus/nexuserr"
)

// Problem is an RFC 7807 "problem details" response body.
// https://tools.ietf.org/html/rfc7807
type Problem struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ContentTypeProblemJSON is the Content-Type for RFC 7807 problem responses.
const ContentTypeProblemJSON = "application/problem+json"

// WriteProblem writes an RFC 7807 problem response.
func WriteProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", ContentTypeProblemJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{Type: "about:blank", Title: title, Status: status, Detail: detail})
}

// WriteError maps err to an HTTP status via nexuserr.KindOf and writes a
// problem response. Errors with no nexuserr.Kind (e.g. a decoding failure)
// are treated as KindInternal.
func WriteError(w http.ResponseWriter, err error) {
	status, title := httpStatus(err)
	WriteProblem(w, status, title, err.Error())
}

func httpStatus(err error) (int, string) {
	switch nexuserr.KindOf(err) {
	case nexuserr.KindNotFound:
		return http.StatusNotFound, "Not Found"
	case nexuserr.KindAlreadyExists:
		return http.StatusConflict, "Conflict"
	case nexuserr.KindInvalidArgument:
		return http.StatusBadRequest, "Bad Request"
	case nexuserr.KindOperationNotAllowed:
		return http.StatusConflict, "Operation Not Allowed"
	case nexuserr.KindFailedPrecondition:
		return http.StatusPreconditionFailed, "Failed Precondition"
	case nexuserr.KindIoError:
		return http.StatusBadGateway, "I/O Error"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

// WriteJSON writes a JSON response with status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteJSONOK writes a 200 OK JSON response.
func WriteJSONOK(w http.ResponseWriter, data any) { WriteJSON(w, http.StatusOK, data) }

// WriteJSONCreated writes a 201 Created JSON response.
func WriteJSONCreated(w http.ResponseWriter, data any) { WriteJSON(w, http.StatusCreated, data) }

// WriteNoContent writes a 204 No Content response.
func WriteNoContent(w http.ResponseWriter) { w.WriteHeader(http.StatusNoContent) }
