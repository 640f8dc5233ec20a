package zigbee

import (
	"fmt"
	"strings"
)

// ControllerAddress is the address of the coordinator itself.
const ControllerAddress = "0"

// NormalizeAddress turns an IEEE address in any common spelling
// ("0x00158d0001a2b3c4", "00:15:8d:00:01:a2:b3:c4") into the canonical
// upper case form "00158D0001A2B3C4".
func NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.ReplaceAll(s, ":", "")
	if len(s) != 16 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	for _, c := range s {
		if !isHex(c) {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
	}
	return strings.ToUpper(s), nil
}

// ieeeIdentifier is the form zigbee2mqtt accepts in topics and requests.
func ieeeIdentifier(address string) string {
	return "0x" + strings.ToLower(address)
}

func isHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
