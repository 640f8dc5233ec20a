package zigbee

import "errors"

// Coordinator errors. The adapter maps these to mig error categories.
var (
	// ErrNotConnected is returned when the broker or zigbee2mqtt is offline.
	ErrNotConnected = errors.New("zigbee: coordinator not connected")

	// ErrInvalidAddress is returned for strings that are not IEEE addresses.
	ErrInvalidAddress = errors.New("zigbee: invalid IEEE address")

	// ErrPublishFailed is returned when a request could not be published.
	ErrPublishFailed = errors.New("zigbee: publish failed")

	// ErrSubscribeFailed is returned when the base topic could not be subscribed.
	ErrSubscribeFailed = errors.New("zigbee: subscribe failed")
)
