package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// AdminHandler — служебные эндпоинты outbox.
type AdminHandler struct {
	store       DeadLetterLister
	maxAttempts int
}

// NewAdminHandler создаёт обработчик служебных эндпоинтов.
func NewAdminHandler(store DeadLetterLister, maxAttempts int) *AdminHandler {
	return &AdminHandler{store: store, maxAttempts: maxAttempts}
}

// DeadLetterResponse — poison запись outbox.
type DeadLetterResponse struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	AggregateKey  string    `json:"aggregate_key"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ListDeadLetters — GET /admin/outbox/dead-letters?limit=N.
func (h *AdminHandler) ListDeadLetters(c *gin.Context) {
	limit := defaultDeadLetterLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "limit должен быть положительным числом"})
			return
		}
		limit = min(n, maxDeadLetterLimit)
	}

	msgs, err := h.store.ListDeadLetters(c.Request.Context(), h.maxAttempts, limit)
	if err != nil {
		handleError(c, err, "ListDeadLetters")
		return
	}

	resp := make([]DeadLetterResponse, len(msgs))
	for i, m := range msgs {
		resp[i] = DeadLetterResponse{
			ID:            m.ID,
			Type:          m.Type,
			AggregateKey:  m.AggregateKey,
			Attempts:      m.Attempts,
			CorrelationID: m.CorrelationID(),
			CreatedAt:     m.CreatedAt,
		}
		if m.LastError != nil {
			resp[i].LastError = *m.LastError
		}
	}

	c.JSON(http.StatusOK, gin.H{"dead_letters": resp, "count": len(resp)})
}
