package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var ErrUnauthenticated = errors.New("webhook credentials rejected")

// Sign returns the hex HMAC-SHA256 of payload, the signature internal
// senders put in the X-Webhook-Signature header.
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Authenticator checks inbound webhook credentials. The CRM proves itself
// with its application token (stored here only as a bcrypt hash); internal
// senders sign the raw body instead. With neither configured every request
// is accepted.
type Authenticator struct {
	tokenHash     []byte
	signingSecret string
}

func NewAuthenticator(tokenHash, signingSecret string) *Authenticator {
	a := &Authenticator{signingSecret: signingSecret}
	if tokenHash != "" {
		a.tokenHash = []byte(tokenHash)
	}
	return a
}

func (a *Authenticator) Enabled() bool {
	return a.tokenHash != nil || a.signingSecret != ""
}

func (a *Authenticator) Check(body []byte, signature, applicationToken string) error {
	if !a.Enabled() {
		return nil
	}
	if a.signingSecret != "" && signature != "" {
		if hmac.Equal([]byte(Sign(a.signingSecret, body)), []byte(signature)) {
			return nil
		}
		return ErrUnauthenticated
	}
	if a.tokenHash != nil && applicationToken != "" {
		if bcrypt.CompareHashAndPassword(a.tokenHash, []byte(applicationToken)) == nil {
			return nil
		}
	}
	return ErrUnauthenticated
}
