package mig

import "time"

// Kind distinguishes notification payloads.
type Kind string

// Notification kinds.
const (
	KindPropertyChanged Kind = "property.changed"
	KindModulesChanged  Kind = "modules.changed"
)

// Notification is emitted when a module property changes or when the module
// list of an interface changes. For KindModulesChanged only Domain is set.
type Notification struct {
	Kind        Kind      `json:"kind"`
	Domain      string    `json:"domain"`
	Address     string    `json:"address,omitempty"`
	Description string    `json:"description,omitempty"`
	Property    string    `json:"property,omitempty"`
	Value       any       `json:"value"`
	Timestamp   time.Time `json:"timestamp"`
}

// PropertyChanged builds a property notification stamped with the current time.
func PropertyChanged(domain, address, description, property string, value any) Notification {
	return Notification{
		Kind:        KindPropertyChanged,
		Domain:      domain,
		Address:     address,
		Description: description,
		Property:    property,
		Value:       value,
		Timestamp:   time.Now().UTC(),
	}
}

// ModulesChanged builds a module-list notification for domain.
func ModulesChanged(domain string) Notification {
	return Notification{
		Kind:      KindModulesChanged,
		Domain:    domain,
		Timestamp: time.Now().UTC(),
	}
}

// NumericValue returns the value as float64 when it is a number.
func (n Notification) NumericValue() (float64, bool) {
	switch v := n.Value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}
