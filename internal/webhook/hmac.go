package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// verifySignature checks an HMAC-SHA256 signature over the request body
// using constant-time comparison. Accepts both "sha256=<hex>" and plain
// hex signatures. Errors are generic so no signature detail leaks to
// callers.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return fmt.Errorf("signature verification failed")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	actual, err := parseSignature(signature)
	if err != nil {
		return fmt.Errorf("signature verification failed")
	}

	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

func parseSignature(signature string) ([]byte, error) {
	signature = strings.TrimPrefix(signature, "sha256=")
	raw, err := hex.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding")
	}
	if len(raw) != sha256.Size {
		return nil, fmt.Errorf("invalid signature length")
	}
	return raw, nil
}
