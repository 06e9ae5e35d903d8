package gate

import "time"

// Response codes for the structured block and challenge responses.
const (
	CodeSudoRequired = "sudo_required"
	CodeSudoBlocked  = "sudo_blocked"
	CodeSudoDisabled = "sudo_disabled"
)

// ErrorResponse is the generic error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// BlockResponse is the structured body for soft and policy blocks.
// Async callers receive it with HTTP 200 so their JSON success-path
// parser sees it; API callers receive it with an error status.
type BlockResponse struct {
	Code    string `json:"code"`
	RuleID  string `json:"rule_id,omitempty"`
	Message string `json:"message"`
}

// ChallengeRequest is the password step of the challenge flow.
type ChallengeRequest struct {
	Password string `json:"password"`
	StashKey string `json:"stash_key,omitempty"`
}

// TwoFactorRequest is the second-factor step. The challenge nonce
// arrives in the browser-bound cookie, never in the body.
type TwoFactorRequest struct {
	Code     string `json:"code"`
	StashKey string `json:"stash_key,omitempty"`
}

// ChallengeResponse reports the outcome of a challenge step.
type ChallengeResponse struct {
	Code string `json:"code"`
	// RetryAfterSeconds is set when the code is locked_out.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
	// ExpiresAt is the elevation expiry on success or the challenge
	// window expiry when a second factor is pending.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// StatusResponse reports the current elevation state.
type StatusResponse struct {
	Active bool `json:"active"`
}

// NoticeResponse reports whether the principal was recently soft
// blocked, for the next interactive page render.
type NoticeResponse struct {
	Blocked bool   `json:"blocked"`
	RuleID  string `json:"rule_id,omitempty"`
	Label   string `json:"label,omitempty"`
}

// blockedNotice is the TTL-stored flag behind NoticeResponse.
type blockedNotice struct {
	RuleID string `json:"rule_id"`
	Label  string `json:"label"`
}
