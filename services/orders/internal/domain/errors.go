package domain

import "errors"

// Доменные ошибки сервиса заказов.
var (
	// ErrOrderNotFound возвращается, когда заказ не найден.
	ErrOrderNotFound = errors.New("заказ не найден")

	// ErrOrderExists возвращается при создании заказа с занятым ID.
	ErrOrderExists = errors.New("заказ с таким ID уже существует")

	ErrEmptyOrderItems    = errors.New("заказ должен содержать хотя бы одну позицию")
	ErrInvalidOrderID     = errors.New("некорректный идентификатор заказа")
	ErrInvalidCustomerID  = errors.New("некорректный идентификатор клиента")
	ErrInvalidProductID   = errors.New("некорректный идентификатор товара")
	ErrInvalidProductName = errors.New("название товара не может быть пустым")
	ErrInvalidQuantity    = errors.New("количество должно быть больше нуля")
	ErrInvalidPrice       = errors.New("цена должна быть больше нуля")
	ErrCurrencyMismatch   = errors.New("позиции заказа в разных валютах")

	// ErrOrderCannotApprove — подтвердить можно только заказ в статусе NEW.
	ErrOrderCannotApprove = errors.New("заказ нельзя подтвердить в текущем статусе")

	// ErrOrderCannotCancel — отменить можно только заказ в статусе NEW или APPROVED.
	ErrOrderCannotCancel = errors.New("заказ нельзя отменить в текущем статусе")

	// ErrOrderCannotDeliver — доставить можно только подтверждённый заказ.
	ErrOrderCannotDeliver = errors.New("заказ нельзя пометить доставленным в текущем статусе")
)

// businessErrors — ошибки, которые означают отказ по существу команды,
// а не сбой инфраструктуры. Повторная доставка их не исправит.
var businessErrors = []error{
	ErrOrderNotFound,
	ErrOrderExists,
	ErrEmptyOrderItems,
	ErrInvalidOrderID,
	ErrInvalidCustomerID,
	ErrInvalidProductID,
	ErrInvalidProductName,
	ErrInvalidQuantity,
	ErrInvalidPrice,
	ErrCurrencyMismatch,
	ErrOrderCannotApprove,
	ErrOrderCannotCancel,
	ErrOrderCannotDeliver,
}

// IsBusinessError сообщает, является ли err бизнес-отказом.
func IsBusinessError(err error) bool {
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
