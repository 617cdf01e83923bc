package publish

// Machine-readable publish failure codes. The caller uses them to distinguish
// "will retry automatically" from "needs manual reconnection".
const (
	CodeAccountDisconnected     = "account_disconnected"
	CodeInvalidCredentials      = "invalid_credentials"
	CodeContentPolicyViolation  = "content_policy_violation"
	CodeInsufficientPermissions = "insufficient_permissions"
	CodeTokenExpired            = "token_expired"
	CodeUnknown                 = "unknown"
)

// terminalCodes are never worth retrying: the same input will fail the same
// way until a human intervenes.
var terminalCodes = map[string]bool{
	CodeContentPolicyViolation:  true,
	CodeAccountDisconnected:     true,
	CodeInvalidCredentials:      true,
	CodeInsufficientPermissions: true,
}

// IsRetryable classifies a failure code. Anything outside the terminal
// denylist, including unrecognized or empty codes, is retryable: being
// permissive here avoids silently dropping recoverable work.
func IsRetryable(code string) bool {
	return !terminalCodes[code]
}
