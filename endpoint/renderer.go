package endpoint

import (
	"encoding/json"
	"net/http"
)

const textPlain = "text/plain; charset=utf-8"

// writeHead sets Content-Type unless a processor already chose one, then
// writes status, or def when status is zero.
func writeHead(w http.ResponseWriter, contentType string, status, def int) {
	if contentType != "" && w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", contentType)
	}
	if status == 0 {
		status = def
	}
	w.WriteHeader(status)
}

// StringRenderer writes Body as plain text unless ContentType says otherwise.
type StringRenderer struct {
	Status      int
	Body        string
	ContentType string
}

func (sr *StringRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	ct := sr.ContentType
	if ct == "" {
		ct = textPlain
	}
	writeHead(w, ct, sr.Status, http.StatusOK)
	if sr.Body == "" {
		return nil
	}
	_, err := w.Write([]byte(sr.Body))
	return err
}

// NoContentRenderer writes only a status, 204 by default.
type NoContentRenderer struct {
	Status int
}

func (nr *NoContentRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	writeHead(w, "", nr.Status, http.StatusNoContent)
	return nil
}

// RedirectRenderer sends the client to URL, with 302 Found by default.
// Sign-in uses it both for the hop to the authorization endpoint and for the
// return to the local page.
type RedirectRenderer struct {
	URL    string
	Status int
}

func (rr *RedirectRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	status := rr.Status
	if status == 0 {
		status = http.StatusFound
	}
	http.Redirect(w, r, rr.URL, status)
	return nil
}

// JSONRenderer encodes Value as application/json without HTML escaping, so
// URLs in responses stay readable.
type JSONRenderer struct {
	Status int
	Value  any
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "application/json")
	writeHead(w, "", jr.Status, http.StatusOK)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(jr.Value)
}
