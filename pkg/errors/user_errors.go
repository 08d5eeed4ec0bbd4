package errors

var (
	ErrDocumentNotFound      = NotFound("document not found")
	ErrPublicKeyNotFound     = NotFound("public key not published")
	ErrUserNotFound          = NotFound("user not found")
	ErrInvalidUserID         = InvalidArg("user id cannot be empty")
	ErrInvalidPublicKey      = InvalidArg("public key is not a valid P-256 SPKI key")
	ErrInvalidRelayRequest   = InvalidArg("invalid relay request")
	ErrMissingToken          = Unauthorized("missing relay token")
	ErrInvalidToken          = Unauthorized("invalid relay token")
	ErrForeignKey            = PermissionDenied("cannot publish another user's key")
	ErrForbiddenPath         = PermissionDenied("path not writable by this user")
	ErrIllegalTransition     = FailedPrecondition("illegal call state transition")
	ErrEncryptionUnavailable = Unavailable("end-to-end encryption unavailable")
	ErrAlreadyInitialized    = FailedPrecondition("peer connection already initialized")
	ErrNotInitialized        = FailedPrecondition("peer connection not initialized")
	ErrSessionClosed         = FailedPrecondition("call session closed")
)
