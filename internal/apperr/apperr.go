// Package apperr: таксономия ошибок ядра: какие ошибки видит клиент, какие восстанавливаются локально.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind — класс ошибки.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindAuth        Kind = "authentication"
	KindForbidden   Kind = "authorization"
	KindDelivery    Kind = "delivery"
	KindPersistence Kind = "persistence"
	KindInternal    Kind = "internal"
)

// Error — структурированная ошибка. Message безопасно отдавать клиенту, err — только в лог.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s (internal: %v)", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

func newError(kind Kind, status int, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Status: status, err: err}
}

// Validation — некорректный или неполный ввод (400). Не логируется как сбой системы.
func Validation(msg string) *Error {
	return newError(KindValidation, http.StatusBadRequest, msg, nil)
}

// Validationf — Validation с форматированием.
func Validationf(format string, args ...any) *Error {
	return Validation(fmt.Sprintf(format, args...))
}

// NotFound — датчик/каска/сессия/пользователь отсутствует (404).
func NotFound(msg string) *Error {
	return newError(KindNotFound, http.StatusNotFound, msg, nil)
}

// Unauthorized — нет валидного токена или сессии (401).
func Unauthorized(msg string) *Error {
	return newError(KindAuth, http.StatusUnauthorized, msg, nil)
}

// Forbidden — роль не допускает операцию (403).
func Forbidden(msg string) *Error {
	return newError(KindForbidden, http.StatusForbidden, msg, nil)
}

// Delivery — сбой email/push провайдера. Обрабатывается локально, наружу не уходит.
func Delivery(msg string, err error) *Error {
	return newError(KindDelivery, http.StatusBadGateway, msg, err)
}

// Persistence — хранилище недоступно (500), запрос завершается ошибкой.
func Persistence(msg string, err error) *Error {
	return newError(KindPersistence, http.StatusInternalServerError, msg, err)
}

// Internal — всё остальное (500).
func Internal(msg string, err error) *Error {
	return newError(KindInternal, http.StatusInternalServerError, msg, err)
}

// KindOf возвращает класс ошибки; для посторонних ошибок: KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is проверяет класс ошибки в цепочке.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// StatusOf — HTTP-статус для ошибки; неизвестные ошибки считаются внутренними.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}

// PublicMessage — сообщение для клиента без внутренних подробностей.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}
