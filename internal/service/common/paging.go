package common

import (
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/acme/lead-routing/pkg/errors"
)

// EncodePageState turns a Scylla paging state into an opaque URL-safe token.
func EncodePageState(state []byte) string {
	if len(state) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(state)
}

// DecodePageState reverses EncodePageState. An empty token starts from the beginning.
func DecodePageState(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed page token", apperrors.ErrValidation)
	}
	return data, nil
}

// ParseAfterID parses the keyset cursor of id-ordered listings.
func ParseAfterID(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cursor", apperrors.ErrValidation)
	}
	return &id, nil
}
