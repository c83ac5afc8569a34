package middleware

import (
	"encoding/json"
	"net/http"
)

// ErrorResponseBody は運用エンドポイントのエラーレスポンス。
type ErrorResponseBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError はJSON形式のエラーレスポンスを書き込む。
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	WriteJSON(w, statusCode, ErrorResponseBody{Code: code, Message: message})
}

// WriteJSON はvをJSONとして書き込む。
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
