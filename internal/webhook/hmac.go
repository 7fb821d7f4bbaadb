package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// errVerification is deliberately generic so callers cannot probe the
// signature format.
var errVerification = errors.New("webhook verification failed")

// Sign returns the "sha256=<hex>" signature of body, the format senders
// put in the signature header.
func Sign(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(mac(body, secret))
}

// verifySignature checks an HMAC-SHA256 signature of body in constant
// time. Both "sha256=<hex>" and bare hex are accepted.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}

	actual, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return errVerification
	}
	if subtle.ConstantTimeCompare(mac(body, secret), actual) != 1 {
		return errVerification
	}
	return nil
}

func mac(body []byte, secret string) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(body)
	return m.Sum(nil)
}
