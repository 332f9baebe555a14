package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"example.com/swiftparcel/pkg/contracts"
	"example.com/swiftparcel/pkg/outbox"
	"example.com/swiftparcel/services/orders/internal/domain"
)

var errNoCommandHandler = errors.New("обработчик команды не зарегистрирован")

// OrderHandler — HTTP обработчик заказов. Команды выполняются теми же
// обработчиками, что и сообщения из брокера.
type OrderHandler struct {
	commands map[string]outbox.Handler
	orders   OrderReader
}

// NewOrderHandler создаёт обработчик заказов.
func NewOrderHandler(commands map[string]outbox.Handler, orders OrderReader) *OrderHandler {
	return &OrderHandler{commands: commands, orders: orders}
}

// === Request/Response DTOs ===

// CreateOrderRequest — запрос на создание заказа.
// order_id необязателен: без него сервер генерирует UUIDv7.
type CreateOrderRequest struct {
	OrderID    string                   `json:"order_id" binding:"omitempty,max=36"`
	CustomerID string                   `json:"customer_id" binding:"required"`
	Items      []CreateOrderItemRequest `json:"items" binding:"required,min=1,dive"`
}

// CreateOrderItemRequest — позиция в запросе на создание заказа.
type CreateOrderItemRequest struct {
	ProductID   string `json:"product_id" binding:"required"`
	ProductName string `json:"product_name" binding:"required"`
	Quantity    int32  `json:"quantity" binding:"required,min=1"`
	UnitPrice   int64  `json:"unit_price" binding:"required,min=1"`
	Currency    string `json:"currency" binding:"required,len=3"`
}

// CancelOrderRequest — тело запроса отмены.
type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderResponse — заказ в ответе.
type OrderResponse struct {
	ID           string              `json:"id"`
	CustomerID   string              `json:"customer_id"`
	Status       string              `json:"status"`
	Total        int64               `json:"total"`
	Currency     string              `json:"currency"`
	Items        []OrderItemResponse `json:"items"`
	CancelReason *string             `json:"cancel_reason,omitempty"`
	DeliveryID   *string             `json:"delivery_id,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// OrderItemResponse — позиция заказа в ответе.
type OrderItemResponse struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int32  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
}

func orderToResponse(o *domain.Order) OrderResponse {
	resp := OrderResponse{
		ID:           o.ID,
		CustomerID:   o.CustomerID,
		Status:       string(o.Status),
		Total:        o.Total.Amount,
		Currency:     o.Total.Currency,
		Items:        make([]OrderItemResponse, len(o.Items)),
		CancelReason: o.CancelReason,
		DeliveryID:   o.DeliveryID,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
	for i, item := range o.Items {
		resp.Items[i] = OrderItemResponse{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice.Amount,
		}
	}
	return resp
}

// === Handlers ===

// CreateOrder — POST /api/v1/orders.
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}

	if req.OrderID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			handleError(c, err, "CreateOrder")
			return
		}
		req.OrderID = id.String()
	}

	cmd := contracts.CreateOrder{
		OrderID:    req.OrderID,
		CustomerID: req.CustomerID,
		Items:      make([]contracts.Item, len(req.Items)),
	}
	for i, item := range req.Items {
		cmd.Items[i] = contracts.Item{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Currency:    item.Currency,
		}
	}

	if !h.execute(c, contracts.TypeCreateOrder, cmd) {
		return
	}
	h.respondOrder(c, req.OrderID, http.StatusCreated, "CreateOrder")
}

// GetOrder — GET /api/v1/orders/:id.
func (h *OrderHandler) GetOrder(c *gin.Context) {
	h.respondOrder(c, c.Param("id"), http.StatusOK, "GetOrder")
}

// ApproveOrder — POST /api/v1/orders/:id/approve.
func (h *OrderHandler) ApproveOrder(c *gin.Context) {
	orderID := c.Param("id")
	if !h.execute(c, contracts.TypeApproveOrder, contracts.ApproveOrder{OrderID: orderID}) {
		return
	}
	h.respondOrder(c, orderID, http.StatusOK, "ApproveOrder")
}

// CancelOrder — POST /api/v1/orders/:id/cancel.
func (h *OrderHandler) CancelOrder(c *gin.Context) {
	var req CancelOrderRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
			return
		}
	}

	orderID := c.Param("id")
	if !h.execute(c, contracts.TypeCancelOrder, contracts.CancelOrder{OrderID: orderID, Reason: req.Reason}) {
		return
	}
	h.respondOrder(c, orderID, http.StatusOK, "CancelOrder")
}

// execute выполняет команду в транзакции outbox. false — ответ уже записан.
func (h *OrderHandler) execute(c *gin.Context, typ string, cmd any) bool {
	handler, ok := h.commands[typ]
	if !ok {
		handleError(c, errNoCommandHandler, typ)
		return false
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		handleError(c, err, typ)
		return false
	}

	if _, err := handler.Handle(c.Request.Context(), outbox.Inbound{Type: typ, Payload: payload}); err != nil {
		handleError(c, err, typ)
		return false
	}
	return true
}

func (h *OrderHandler) respondOrder(c *gin.Context, orderID string, status int, method string) {
	order, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		handleError(c, err, method)
		return
	}
	c.JSON(status, orderToResponse(order))
}
