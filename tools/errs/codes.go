package errs

// validation errors: returned to the caller, never retried
const (
	NotParticipantCode        = 1001
	ImmutableParticipantsCode = 1002
	DuplicateConnectionCode   = 1003
	InvalidArgumentCode       = 1004
	NotFoundCode              = 1005
)

// infrastructure errors: retried internally, surfaced as TryAgain
const (
	AdapterUnavailableCode = 2001
	StoreUnavailableCode   = 2002
	TryAgainCode           = 2003
)

var (
	ErrNotParticipant        = NewCodeError(NotParticipantCode, "NotParticipant")
	ErrImmutableParticipants = NewCodeError(ImmutableParticipantsCode, "ImmutableParticipants")
	ErrDuplicateConnection   = NewCodeError(DuplicateConnectionCode, "DuplicateConnection")
	ErrInvalidArgument       = NewCodeError(InvalidArgumentCode, "InvalidArgument")
	ErrNotFound              = NewCodeError(NotFoundCode, "NotFound")

	ErrAdapterUnavailable = NewCodeError(AdapterUnavailableCode, "AdapterUnavailable")
	ErrStoreUnavailable   = NewCodeError(StoreUnavailableCode, "StoreUnavailable")
	ErrTryAgain           = NewCodeError(TryAgainCode, "try again")
)

// IsInfra reports whether err is an infrastructure failure worth retrying.
func IsInfra(err error) bool {
	switch Code(err) {
	case AdapterUnavailableCode, StoreUnavailableCode:
		return true
	}
	return false
}

// IsValidation reports whether err is a user-visible rejection.
func IsValidation(err error) bool {
	switch Code(err) {
	case NotParticipantCode, ImmutableParticipantsCode, DuplicateConnectionCode,
		InvalidArgumentCode, NotFoundCode:
		return true
	}
	return false
}

// Public maps err to what a client may see: validation errors pass through,
// everything else collapses into TryAgain.
func Public(err error) *CodeError {
	if err == nil {
		return nil
	}
	if ce, ok := AsCodeError(err); ok && IsValidation(err) {
		return ce
	}
	out := ErrTryAgain
	return &out
}
