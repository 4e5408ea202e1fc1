package query

import "errors"

// Input-shape errors. All of them are detected before any store call.
var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrUnknownColumn     = errors.New("unknown column")
	ErrInvalidOperator   = errors.New("invalid operator")
	ErrInvalidFilter     = errors.New("invalid filter")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrInvalidPagination = errors.New("invalid pagination")
	ErrInvalidProjection = errors.New("invalid projection")
	ErrEmptyPayload      = errors.New("empty payload")
)
