package mig

import "context"

// Interface is implemented by each protocol adapter.
//
// Control never panics and never blocks past ctx; protocol failures come
// back as an error Response. SetOption stores the value and, for options
// that affect the connection (Port, HouseCodes, Driver), reconnects.
type Interface interface {
	Domain() string

	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	Modules() []Module
	Control(ctx context.Context, cmd Command) Response

	Options() []Option
	SetOption(ctx context.Context, name, value string) error
}

// Option is a named interface setting.
type Option struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// StatsProvider is implemented by interfaces that expose transport counters.
type StatsProvider interface {
	Stats() map[string]uint64
}

// Publisher accepts notifications. Emit must not block.
type Publisher interface {
	Emit(n Notification) bool
}
