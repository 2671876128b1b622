package domain

import "errors"

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderClosed         = errors.New("order is already completed or cancelled")
	ErrAlreadyAssigned     = errors.New("order already has fulfillments")
	ErrFulfillmentNotFound = errors.New("fulfillment not found")
	ErrNoVendorsAvailable  = errors.New("no vendors available for order")
	ErrNoEligibleVendor    = errors.New("no eligible vendor")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInvalidTransition   = errors.New("invalid fulfillment status transition")
	ErrFulfillmentTerminal = errors.New("fulfillment is in a terminal status")
	ErrTrackingRequired    = errors.New("tracking info is required to ship")
	ErrInvalidAssignment   = errors.New("invalid assignment")
	ErrInvalidStatus       = errors.New("invalid status")
	ErrMalformedRecord     = errors.New("malformed record")
)
