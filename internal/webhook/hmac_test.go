package webhook

import (
	"strings"
	"testing"
)

func TestVerifySignature(t *testing.T) {
	secret := "test-secret-key"
	body := []byte(`{"user_id":1,"chat_id":1,"url":"https://youtu.be/x"}`)
	sig := Sign(body, secret)

	tests := []struct {
		name      string
		body      []byte
		signature string
		secret    string
		wantErr   bool
	}{
		{"prefixed hex", body, sig, secret, false},
		{"bare hex", body, strings.TrimPrefix(sig, "sha256="), secret, false},
		{"wrong signature", body, "sha256=" + strings.Repeat("0", 64), secret, true},
		{"tampered body", []byte(`{"user_id":2,"chat_id":1,"url":"https://youtu.be/x"}`), sig, secret, true},
		{"wrong secret", body, sig, "wrong-secret", true},
		{"empty signature", body, "", secret, true},
		{"empty secret", body, sig, "", true},
		{"not hex", body, "sha256=zzzz", secret, true},
		{"truncated", body, sig[:20], secret, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifySignature(tt.body, tt.signature, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("verifySignature() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && err.Error() != "webhook verification failed" {
				t.Errorf("error leaks detail: %v", err)
			}
		})
	}
}

func TestSignFormat(t *testing.T) {
	sig := Sign([]byte("x"), "k")
	if !strings.HasPrefix(sig, "sha256=") || len(sig) != len("sha256=")+64 {
		t.Errorf("Sign() = %q, want sha256=<64 hex chars>", sig)
	}
}
