package console

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// Gate and Threshold carry the admission gate that rejected an
// evidence submission and the numeric threshold it missed.
type ProblemDetail struct {
	Type      string  `json:"type"`
	Title     string  `json:"title"`
	Status    int     `json:"status"`
	Detail    string  `json:"detail,omitempty"`
	Instance  string  `json:"instance,omitempty"`
	Gate      string  `json:"gate,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = fmt.Sprintf("https://concord.dev/errors/%d", p.Status)
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, r, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

func writeNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	writeError(w, r, http.StatusNotFound, "Not Found", detail)
}

func writeConflict(w http.ResponseWriter, r *http.Request, detail string) {
	writeError(w, r, http.StatusConflict, "Conflict", detail)
}

func writeForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	writeError(w, r, http.StatusForbidden, "Forbidden", detail)
}

func writeUnprocessable(w http.ResponseWriter, r *http.Request, detail, gate string, threshold float64) {
	writeProblem(w, r, &ProblemDetail{
		Title:     "Unprocessable Entity",
		Status:    http.StatusUnprocessableEntity,
		Detail:    detail,
		Gate:      gate,
		Threshold: threshold,
	})
}

func writeTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	writeError(w, r, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded")
}

func writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusInternalServerError, "Internal Server Error", err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
