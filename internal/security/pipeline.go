package security

import "github.com/agsys/gateway/internal/ioerrs"

// Request is the raw device request envelope received on
// home/devices/{device_id}/request: the exact HMAC'd body string plus its
// signature.
type Request struct {
	Body string
	HMAC string
}

// RequestBody is the parsed structure the body string must decode to.
type RequestBody struct {
	Cmd      string `json:"cmd"`
	Pw       string `json:"pw"`
	Ts       int64  `json:"ts"`
	Nonce    int64  `json:"nonce"`
	ClientID string `json:"client_id"`
}

// AuthResult is the outcome of running the §4.2 pipeline: either granted,
// or denied with a reason code ready to be written into the device
// response and the audit log.
type AuthResult struct {
	Granted bool
	Reason  ioerrs.AuthReason
	Rule    string
}

// Denied constructs a denied AuthResult for the given reason.
func Denied(reason ioerrs.AuthReason) AuthResult {
	return AuthResult{Granted: false, Reason: reason}
}

// DeniedByRule constructs a denied AuthResult for a rule-scoped reason
// (method_not_allowed_{rule}, user_restricted_{rule}, etc).
func DeniedByRule(reason ioerrs.AuthReason, rule string) AuthResult {
	return AuthResult{Granted: false, Reason: reason, Rule: rule}
}

// Code renders the reason the way the device response and audit log expect.
func (r AuthResult) Code() string {
	if r.Granted {
		return ""
	}
	if r.Rule != "" {
		return string(r.Reason) + "_" + r.Rule
	}
	return string(r.Reason)
}

// VerifyEnvelope runs steps 1-3 of the §4.2 pipeline that are purely about
// the security core's own state and the HMAC: lockout check, envelope
// shape, signature. It does not parse the body or check timestamp/nonce —
// callers do that next since parsing needs a JSON decoder and this package
// stays decoder-agnostic.
//
// deviceID identifies the requesting device for lockout/failure tracking.
func (c *Core) VerifyEnvelope(deviceID string, req Request) (ok bool, result AuthResult) {
	if c.IsLockedOut(deviceID) {
		return false, Denied(ioerrs.ReasonLockedOut)
	}
	if req.Body == "" || req.HMAC == "" {
		c.RecordFailedAttempt(deviceID)
		return false, Denied(ioerrs.ReasonInvalidFormat)
	}
	if !c.VerifyHMAC(req.Body, req.HMAC) {
		c.RecordFailedAttempt(deviceID)
		return false, Denied(ioerrs.ReasonInvalidSignature)
	}
	return true, AuthResult{Granted: true}
}

// VerifyFreshness runs steps 5-6 of the pipeline once the body has been
// parsed: timestamp window then nonce replay check. deviceID is used only
// for failure-counter bookkeeping.
func (c *Core) VerifyFreshness(deviceID string, ts int64, nonce int64) (ok bool, result AuthResult) {
	if !c.ValidateTimestamp(ts) {
		c.RecordFailedAttempt(deviceID)
		return false, Denied(ioerrs.ReasonInvalidTimestamp)
	}
	if !c.ValidateNonce(nonce) {
		c.RecordFailedAttempt(deviceID)
		return false, Denied(ioerrs.ReasonReplayAttack)
	}
	return true, AuthResult{Granted: true}
}
