package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign returns the hex HMAC-SHA256 of message under secret.
func Sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares in constant time. An empty secret or signature never verifies.
func VerifySignature(secret, message, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hmac.Equal(mac.Sum(nil), expected)
}

// SignPayload signs the canonical form of p, excluding the signature field itself.
func SignPayload(secret string, p Payload, signatureKey string) string {
	return Sign(secret, p.Canonical(signatureKey))
}

// VerifyPayload checks p[signatureKey] against the canonical form of the rest of p.
func VerifyPayload(secret string, p Payload, signatureKey string) bool {
	return VerifySignature(secret, p.Canonical(signatureKey), p.String(signatureKey))
}
