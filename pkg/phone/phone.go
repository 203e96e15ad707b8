// Package phone normalises contact numbers captured from lead sources.
package phone

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalid is returned for numbers that cannot be dialled.
var ErrInvalid = errors.New("invalid phone number")

// NormalizeE164 parses raw in the context of region and returns it in E.164.
// Numbers carrying a "+" prefix ignore the region.
func NormalizeE164(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalid)
	}
	if region == "" {
		region = "BR"
	}

	parsed, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("%w: %s", ErrInvalid, raw)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}
