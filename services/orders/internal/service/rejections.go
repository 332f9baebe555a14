package service

import (
	"encoding/json"
	"errors"

	"example.com/swiftparcel/pkg/contracts"
	"example.com/swiftparcel/pkg/envelope"
	"example.com/swiftparcel/pkg/messaging"
	"example.com/swiftparcel/services/orders/internal/domain"
)

var rejectionTypes = map[string]string{
	contracts.TypeCreateOrder:  contracts.TypeCreateOrderRejected,
	contracts.TypeApproveOrder: contracts.TypeApproveOrderRejected,
	contracts.TypeCancelOrder:  contracts.TypeCancelOrderRejected,
}

// Rejections превращает бизнес-ошибку команды в событие отказа.
// Технические ошибки и ошибки обработки событий отказом не являются.
func Rejections(env *envelope.Envelope, err error) (*messaging.Rejection, bool) {
	if !domain.IsBusinessError(err) && !errors.Is(err, ErrMalformedCommand) {
		return nil, false
	}

	typ, ok := rejectionTypes[env.Type()]
	if !ok {
		return nil, false
	}

	var ref struct {
		OrderID string `json:"order_id"`
	}
	_ = json.Unmarshal(env.Body, &ref)

	return &messaging.Rejection{
		Type:         typ,
		AggregateKey: ref.OrderID,
		Payload:      contracts.Rejected{OrderID: ref.OrderID, Reason: err.Error()},
	}, true
}
