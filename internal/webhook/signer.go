package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signature headers, following the GitHub/Stripe convention. Receivers verify
// with HMAC_SHA256(secret, timestamp + "." + body).
const (
	HeaderTimestamp = "X-AISEO-Timestamp"
	HeaderSignature = "X-AISEO-Signature"
	userAgent       = "aiseo-notification-hub/1.0"
)

// Sign computes the signature header value for a body at a unix-ms timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time. Exposed for receivers
// and tests.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
