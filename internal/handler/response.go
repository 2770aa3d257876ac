package handler

import (
	"encoding/json"
	"log"
	"net/http"
)

type messageResponse struct {
	Message string `json:"message"`
	FeedID  string `json:"feedId,omitempty"`
	FeedURL string `json:"feedUrl,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
