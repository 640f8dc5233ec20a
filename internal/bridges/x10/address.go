package x10

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is an X10 house code and unit. Unit 0 addresses the whole house.
type Address struct {
	House byte
	Unit  int
}

// ParseAddress parses "A1".."P16", case-insensitive. A bare house code
// ("C") yields Unit 0.
func ParseAddress(s string) (Address, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	house := s[0]
	if !validHouse(house) {
		return Address{}, fmt.Errorf("%w: house code %q", ErrInvalidAddress, s[:1])
	}
	if len(s) == 1 {
		return Address{House: house}, nil
	}

	unit, err := strconv.Atoi(s[1:])
	if err != nil || unit < 1 || unit > 16 {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return Address{House: house, Unit: unit}, nil
}

// ParseHouseCodes parses a comma separated list such as "A,C". Duplicates
// are ignored.
func ParseHouseCodes(s string) ([]byte, error) {
	var codes []byte
	seen := make(map[byte]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if len(part) != 1 || !validHouse(part[0]) {
			return nil, fmt.Errorf("%w: house code %q", ErrInvalidAddress, part)
		}
		if !seen[part[0]] {
			seen[part[0]] = true
			codes = append(codes, part[0])
		}
	}
	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: no house codes", ErrInvalidAddress)
	}
	return codes, nil
}

// String returns the canonical form, e.g. "A1" or "A".
func (a Address) String() string {
	if a.Unit == 0 {
		return string(a.House)
	}
	return string(a.House) + strconv.Itoa(a.Unit)
}

// IsUnit reports whether a names a single unit.
func (a Address) IsUnit() bool {
	return a.Unit != 0
}

func validHouse(c byte) bool {
	return c >= 'A' && c <= 'P'
}

// Security addresses.
const (
	rfAddress      = "RF"
	remoteAddress  = "S-REMOTE"
	securityPrefix = "S-"
	doorChannelOne = "01"
	doorChannelTwo = "02"
)

// securityAddress returns the module address for a security device id.
func securityAddress(id uint32, sensor SecuritySensor) string {
	base := fmt.Sprintf("%s%06X", securityPrefix, id&0xFFFFFF)
	switch sensor {
	case SensorDoor1:
		return base + doorChannelOne
	case SensorDoor2:
		return base + doorChannelTwo
	case SensorRemote:
		return remoteAddress
	default:
		return base
	}
}
