package consultation

import "errors"

var (
	ErrUnauthorized           = errors.New("unauthorized")
	ErrNotFound               = errors.New("consultation not found")
	ErrInvalidStatus          = errors.New("invalid status")
	ErrInsufficientPayment    = errors.New("insufficient payment")
	ErrTransferFailed         = errors.New("transfer failed")
	ErrDisputeWindowExpired   = errors.New("dispute window expired")
	ErrTooEarlyToRelease      = errors.New("too early to release")
	ErrArithmeticOverflow     = errors.New("arithmetic overflow")
	ErrCancellationNotAllowed = errors.New("cancellation not allowed")

	// ErrClockSkew accompanies a timing rejection caused by the current time
	// preceding a recorded timestamp.
	ErrClockSkew = errors.New("clock skew")

	ErrDoctorNotVerified = errors.New("doctor not verified")
	ErrInvalidFeePercent = errors.New("invalid fee percent")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrCancellationNotAllowed, "CANCELLATION_NOT_ALLOWED"},
	{ErrUnauthorized, "UNAUTHORIZED"},
	{ErrNotFound, "NOT_FOUND"},
	{ErrInvalidStatus, "INVALID_STATUS"},
	{ErrInsufficientPayment, "INSUFFICIENT_PAYMENT"},
	{ErrTransferFailed, "TRANSFER_FAILED"},
	{ErrArithmeticOverflow, "ARITHMETIC_OVERFLOW"},
	{ErrDisputeWindowExpired, "DISPUTE_WINDOW_EXPIRED"},
	{ErrTooEarlyToRelease, "TOO_EARLY_TO_RELEASE"},
	{ErrDoctorNotVerified, "DOCTOR_NOT_VERIFIED"},
	{ErrInvalidFeePercent, "INVALID_FEE_PERCENT"},
}

// Code returns the stable upper-snake identifier of a domain error, or an
// empty string for errors outside the domain.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}
