package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/swiftparcel/pkg/logger"
	"example.com/swiftparcel/services/orders/internal/domain"
	"example.com/swiftparcel/services/orders/internal/service"
)

// ErrorResponse — стандартный формат ошибки API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// handleError преобразует ошибку обработчика в HTTP ответ.
func handleError(c *gin.Context, err error, method string) {
	var (
		httpStatus int
		code       string
	)

	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		httpStatus, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrOrderExists):
		httpStatus, code = http.StatusConflict, "already_exists"
	case errors.Is(err, domain.ErrOrderCannotApprove),
		errors.Is(err, domain.ErrOrderCannotCancel),
		errors.Is(err, domain.ErrOrderCannotDeliver):
		httpStatus, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, service.ErrMalformedCommand), domain.IsBusinessError(err):
		httpStatus, code = http.StatusBadRequest, "invalid_argument"
	default:
		logger.FromContext(c.Request.Context()).Error().
			Err(err).
			Str("method", method).
			Msg("Внутренняя ошибка")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Внутренняя ошибка сервера",
		})
		return
	}

	c.JSON(httpStatus, ErrorResponse{Error: code, Message: err.Error()})
}
