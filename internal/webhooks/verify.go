package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// SignatureDigest computes the hex HMAC-SHA256 of body under secret. Both
// providers sign this way; they differ only in how the header is framed.
func SignatureDigest(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a bare hex signature header against the body HMAC
// using a constant-time comparison. An empty or malformed header fails.
func VerifySignature(secret string, body []byte, signature string) error {
	if signature == "" {
		return ErrInvalidSignature
	}
	expected := SignatureDigest(secret, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// RedactSignature returns a short prefix safe for logs. Never log the full
// header next to a verification failure.
func RedactSignature(signature string) string {
	if len(signature) <= 8 {
		return signature
	}
	return signature[:8] + "…"
}
