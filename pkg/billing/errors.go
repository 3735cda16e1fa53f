package billing

import "errors"

var (
	// Catalog.
	ErrPlanUnknown    = errors.New("subscription plan not found")
	ErrInvalidCatalog = errors.New("invalid plan catalog configuration")

	// Commands.
	ErrAlreadySubscribed = errors.New("user already has an active subscription")
	ErrNotResumable      = errors.New("subscription is not scheduled for cancellation")
	ErrForbidden         = errors.New("caller does not own this subscription")

	// Store.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrCustomerNotFound     = errors.New("customer not found")
	ErrConflict             = errors.New("subscription conflicts with an existing record")
	ErrStale                = errors.New("subscription was modified concurrently")
	ErrStorage              = errors.New("storage operation failed")

	// Provider.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrProviderRejected    = errors.New("payment provider rejected the request")
	ErrSignatureInvalid    = errors.New("webhook signature verification failed")

	// Webhooks.
	ErrDuplicateEvent = errors.New("event already processed")
)
