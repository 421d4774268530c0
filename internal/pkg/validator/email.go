package validator

import (
	"errors"
	"net/mail"
	"strings"
)

var (
	ErrEmptyEmail   = errors.New("email is empty")
	ErrInvalidEmail = errors.New("invalid email format")
)

// Email trims and lowercases the domain of addr and checks it is a bare
// address. Display names ("Bob <bob@x.io>") are rejected since the CRM
// stores the value verbatim.
func Email(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", ErrEmptyEmail
	}

	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Name != "" || parsed.Address != addr {
		return "", ErrInvalidEmail
	}

	at := strings.LastIndex(addr, "@")
	domain := addr[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", ErrInvalidEmail
	}

	return addr[:at+1] + strings.ToLower(domain), nil
}
