package utils

import (
	"encoding/json"
	"net/http"
)

// Structured error codes surfaced to API clients.
const (
	CodeMissingParam   = "MISSING_PARAM"
	CodeOrderNotFound  = "ORDER_NOT_FOUND"
	CodeTicketNotFound = "TICKET_NOT_FOUND"
	CodeInvalidToken   = "INVALID_TOKEN"
	CodeAlreadyUsed    = "TICKET_ALREADY_USED"
	CodeInternalError  = "INTERNAL_ERROR"
)

type ErrorBody struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorBody{OK: false, Code: code, Message: message})
}
