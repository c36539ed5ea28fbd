package core

import "errors"

var (
	// ErrTransport indicates the request never produced a usable 2xx response.
	ErrTransport = errors.New("transport failure")
	// ErrInvalidResponse indicates a 2xx response whose body is not valid JSON.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrRateLimited indicates the exchange throttled or blocked the caller.
	ErrRateLimited = errors.New("rate limited")
	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrOrderNotFound indicates the order does not exist on exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidParameter indicates the exchange rejected a request parameter.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrUnknownCurrency indicates the exchange does not list the currency.
	ErrUnknownCurrency = errors.New("unknown currency")
)

var (
	ErrInvalidOrder = errors.New("invalid order")
	ErrEmptyBook    = errors.New("order book is empty")
	ErrInvalidBook  = errors.New("best bid/ask must be positive")
)
