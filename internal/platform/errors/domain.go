package errors

// Dispatch-core error sentinels. Compare with errors.Is; derive
// request-specific copies with WithDetails/WithCause.

// Authentication and access errors
var (
	ErrUnauthenticated = &DomainError{
		Code:    CodeUnauthenticated,
		Message: "Missing or invalid bearer token",
	}

	ErrForbidden = &DomainError{
		Code:    CodeForbidden,
		Message: "Operation not permitted for this identity",
	}

	ErrAccountInactive = &DomainError{
		Code:    CodeForbidden,
		Message: "Account is not active",
	}
)

// Booking errors
var (
	ErrBookingNotFound = &DomainError{
		Code:    CodeNotFound,
		Message: "Booking not found",
	}

	ErrAlreadyAssigned = &DomainError{
		Code:    CodeAlreadyAssigned,
		Message: "Booking already has an assigned provider",
	}

	ErrBookingTerminal = &DomainError{
		Code:    CodeAlreadyAssigned,
		Message: "Booking is in a terminal state",
	}

	ErrMatchingExpired = &DomainError{
		Code:    CodeExpired,
		Message: "Booking matching deadline has passed",
	}
)

// Offer errors
var (
	ErrOfferNotFound = &DomainError{
		Code:    CodeNotFound,
		Message: "Offer not found",
	}

	ErrOfferExpired = &DomainError{
		Code:    CodeExpired,
		Message: "Offer has expired",
	}

	ErrOfferTerminal = &DomainError{
		Code:    CodeExpired,
		Message: "Offer is no longer actionable",
	}

	ErrDuplicateOffer = &DomainError{
		Code:    CodeAlreadyAssigned,
		Message: "Provider already has a live offer for this booking",
	}
)

// Transport errors
var (
	ErrValidation = &DomainError{
		Code:    CodeValidation,
		Message: "Validation failed",
	}

	ErrRateLimited = &DomainError{
		Code:    CodeRateLimit,
		Message: "Too many messages",
	}

	ErrFrameTooLarge = &DomainError{
		Code:    CodeValidation,
		Message: "Inbound frame exceeds size limit",
	}

	ErrUnknownMessageType = &DomainError{
		Code:    CodeValidation,
		Message: "Unknown message type",
	}

	ErrRoomAccessDenied = &DomainError{
		Code:    CodeForbidden,
		Message: "Access to room denied",
	}
)

// Infrastructure errors
var (
	ErrUnavailable = &DomainError{
		Code:    CodeUnavailable,
		Message: "Transient backend failure, retry later",
	}

	ErrInternal = &DomainError{
		Code:    CodeInternal,
		Message: "Internal server error",
	}
)
