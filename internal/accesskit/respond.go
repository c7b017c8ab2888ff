package accesskit

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// successBody is the envelope for every successful response.
type successBody struct {
	Message  string `json:"message"`
	Status   int    `json:"status"`
	Metadata any    `json:"metadata"`
}

// errorBody is the envelope for every failed response. It never carries
// internal causes or stack traces.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func respondOK(contextGin *gin.Context, message string, metadata any) {
	contextGin.JSON(http.StatusOK, successBody{Message: message, Status: http.StatusOK, Metadata: metadata})
}

func respondCreated(contextGin *gin.Context, message string, metadata any) {
	contextGin.JSON(http.StatusCreated, successBody{Message: message, Status: http.StatusCreated, Metadata: metadata})
}

func respondError(contextGin *gin.Context, err error) {
	var accessErr *Error
	if !errors.As(err, &accessErr) {
		accessErr = internalError("access.internal", "internal server error", err)
	}
	status := httpStatusForKind(accessErr.Kind)
	message := accessErr.Message
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	contextGin.AbortWithStatusJSON(status, errorBody{
		Code:    accessErr.Code,
		Message: message,
		Status:  status,
	})
}
