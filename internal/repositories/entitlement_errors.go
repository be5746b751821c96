package repositories

import "errors"

var (
	// ErrEntitlementNotFound indicates no record exists for the identity key.
	ErrEntitlementNotFound = errors.New("entitlement repository: record not found")
	// ErrEntitlementInvalidInput indicates the caller supplied invalid arguments.
	ErrEntitlementInvalidInput = errors.New("entitlement repository: invalid input")
)
