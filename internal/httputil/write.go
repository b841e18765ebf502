package httputil

import (
	"encoding/xml"
	"net/http"

	"github.com/goccy/go-json"
)

// Content types written by the gateway.
const (
	ContentTypeJSON = "application/json; charset=utf-8"
	ContentTypeXML  = "application/xml; charset=utf-8"
)

// WriteJSON writes v as a JSON document with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	_, err = w.Write(data)
	return err
}

// WriteXML writes v as an XML document with the given status.
func WriteXML(w http.ResponseWriter, status int, v any) error {
	data, err := xml.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", ContentTypeXML)
	w.WriteHeader(status)
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// WriteFormat writes v as XML when format is "xml" and as JSON otherwise.
func WriteFormat(w http.ResponseWriter, status int, format string, v any) error {
	if format == "xml" {
		return WriteXML(w, status, v)
	}
	return WriteJSON(w, status, v)
}
