package virtual

import (
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

// CategoryBridge is the accessory category advertised by a bridge.
const CategoryBridge = 2

// DefaultPin is used when a bridge block carries no pin.
const DefaultPin = "031-45-154"

const (
	setupFlagIP    = 1 << 28
	setupIDLength  = 4
	payloadLength  = 9
	setupURIPrefix = "X-HM://"
)

// ParsePin returns the numeric setup code of a "XXX-XX-XXX" pin.
func ParsePin(pin string) (uint32, error) {
	digits := strings.ReplaceAll(pin, "-", "")
	if len(digits) != 8 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPin, pin)
	}
	code, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPin, pin)
	}
	return uint32(code), nil
}

// SetupID returns setupID when set, otherwise a stable four character id
// derived from username.
func SetupID(setupID, username string) string {
	if setupID != "" {
		return strings.ToUpper(setupID)
	}
	id := strings.ToUpper(strconv.FormatUint(uint64(crc32.ChecksumIEEE([]byte(username))), 36))
	if len(id) < setupIDLength {
		id = strings.Repeat("0", setupIDLength-len(id)) + id
	}
	return id[len(id)-setupIDLength:]
}

// SetupURI builds the X-HM:// pairing URI for an IP accessory.
func SetupURI(category int, pin, setupID string) (string, error) {
	code, err := ParsePin(pin)
	if err != nil {
		return "", err
	}

	payload := uint64(code) | setupFlagIP | uint64(category)<<31
	encoded := strings.ToUpper(strconv.FormatUint(payload, 36))
	if len(encoded) < payloadLength {
		encoded = strings.Repeat("0", payloadLength-len(encoded)) + encoded
	}
	return setupURIPrefix + encoded + setupID, nil
}
