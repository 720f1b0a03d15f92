package message

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
)

// IDSize is the length of a compact message id in bytes.
const IDSize = 16

// EncodeID converts a compact message id to its 32-character lowercase hex form.
func EncodeID(id []byte) (string, error) {
	if len(id) != IDSize {
		return "", fmt.Errorf("%w: message id is %d bytes, want %d", errors.ErrInvalidData, len(id), IDSize)
	}
	return hex.EncodeToString(id), nil
}

// DecodeID converts a hex message id back to its compact form. Upper-case
// input is accepted.
func DecodeID(s string) ([]byte, error) {
	if len(s) != IDSize*2 {
		return nil, fmt.Errorf("%w: message id %q is %d chars, want %d", errors.ErrInvalidData, s, len(s), IDSize*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: message id %q: %v", errors.ErrInvalidData, s, err)
	}
	return b, nil
}

// NormalizeID lower-cases a textual id so ids from every wire shape compare equal.
func NormalizeID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// decodeHex decodes a hex field of any even length.
func decodeHex(field, s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q is not hex: %v", errors.ErrInvalidData, field, s, err)
	}
	return b, nil
}
