package protocol

// Close codes. Standard transport-level codes plus the 4000-4999 application
// range. The partition into recoverable vs terminal drives client-side
// reconnection and must stay stable for compatibility.
const (
	CloseNormal           = 1000 // terminal: deliberate closure
	CloseAbnormal         = 1006 // recoverable: transport-level failure
	CloseInternalError    = 1011 // recoverable: unexpected server failure
	CloseServiceRestart   = 1012 // recoverable: server-initiated restart
	CloseTryAgainLater    = 1013 // recoverable: transient overload
	CloseGoingAway        = 1012 // alias used by Registry.Shutdown
	CloseAuthFailed       = 4001 // terminal: identity verification failed
	CloseProtocolError    = 4002 // terminal: unrecoverable protocol violation
	CloseVersionMismatch  = 4003 // terminal: protocol version mismatch
	CloseRateLimited      = 4100 // recoverable: admission denied, retry later
	CloseIdleTimeout      = 4200 // recoverable: evicted by stale sweep
	CloseDuplicateSession = 4300 // terminal: closed silently, no user-facing error
)

// IsRecoverableClose reports whether a close code should trigger client-side
// reconnection.
func IsRecoverableClose(code int) bool {
	switch code {
	case CloseAbnormal, CloseInternalError, CloseServiceRestart, CloseTryAgainLater,
		CloseRateLimited, CloseIdleTimeout:
		return true
	}
	return false
}

// IsSilentClose reports whether the client should suppress any user-facing
// error for the given code.
func IsSilentClose(code int) bool {
	return code == CloseNormal || code == CloseDuplicateSession
}
