package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmail(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{"alice@example.com", "alice@example.com", nil},
		{"  Alice@Example.COM ", "Alice@example.com", nil},
		{"", "", ErrEmptyEmail},
		{"   ", "", ErrEmptyEmail},
		{"not-an-email", "", ErrInvalidEmail},
		{"Bob <bob@example.com>", "", ErrInvalidEmail},
		{"bob@localhost", "", ErrInvalidEmail},
		{"bob@example.", "", ErrInvalidEmail},
		{"a@b@example.com", "", ErrInvalidEmail},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Email(tt.in)
			assert.Equal(t, tt.wantErr, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
