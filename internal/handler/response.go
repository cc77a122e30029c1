package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"otp-service/internal/util"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(code, message string) Response {
	return Response{
		Success: false,
		Error:   code,
		Message: message,
	}
}

var validate = validator.New()

// validateStruct turns validator errors into one readable line.
func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	ve, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

func respondWithJSON(logger *zap.Logger, w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func respondWithError(logger *zap.Logger, w http.ResponseWriter, statusCode int, code, message string) {
	logger.Debug("HTTP error response",
		util.Int("status_code", statusCode),
		util.String("error", code),
	)
	respondWithJSON(logger, w, statusCode, errorResponse(code, message))
}
