package registry

import (
	"sync"
	"sync/atomic"

	"github.com/nerrad567/gray-logic-mig/internal/mig"
)

// DefaultTransition is the ZigBee fade time in tenths of a second.
const DefaultTransition = 4

// DeviceRecord is one module known to an interface.
//
// The type is stored separately from the mutex-guarded state so that
// classification is a single compare-and-swap.
type DeviceRecord struct {
	address string
	typ     atomic.Int32

	mu          sync.Mutex
	description string
	level       float64
	lastLevel   float64
	transition  int

	// changed is called after every mutation, outside mu.
	changed func(structural bool)
}

func newRecord(address, description string, t mig.ModuleType, changed func(bool)) *DeviceRecord {
	r := &DeviceRecord{
		address:     address,
		description: description,
		transition:  DefaultTransition,
		changed:     changed,
	}
	r.typ.Store(int32(t))
	return r
}

// Address returns the canonical protocol address.
func (r *DeviceRecord) Address() string {
	return r.address
}

// Description returns the human-readable module description.
func (r *DeviceRecord) Description() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.description
}

// SetDescription replaces the description.
func (r *DeviceRecord) SetDescription(description string) {
	r.mu.Lock()
	same := r.description == description
	r.description = description
	r.mu.Unlock()

	if !same {
		r.notify(true)
	}
}

// Type returns the current module type.
func (r *DeviceRecord) Type() mig.ModuleType {
	return mig.ModuleType(r.typ.Load())
}

// Classify sets the type if and only if it is still Generic. It reports
// whether the type changed; once non-generic a record never changes type.
func (r *DeviceRecord) Classify(t mig.ModuleType) bool {
	if t == mig.TypeGeneric {
		return false
	}
	if !r.typ.CompareAndSwap(int32(mig.TypeGeneric), int32(t)) {
		return false
	}
	r.notify(true)
	return true
}

// Level returns the current level in [0,1].
func (r *DeviceRecord) Level() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level
}

// LastLevel returns the most recent nonzero level, or 0 if none was seen.
func (r *DeviceRecord) LastLevel() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastLevel
}

// SetLevel clamps v to [0,1], stores it and returns the stored value.
// A nonzero level also becomes the last level.
func (r *DeviceRecord) SetLevel(v float64) float64 {
	r.mu.Lock()
	v = r.setLevelLocked(v)
	r.mu.Unlock()

	r.notify(false)
	return v
}

// AdjustLevel adds delta to the current level, clamped to [0,1].
func (r *DeviceRecord) AdjustLevel(delta float64) float64 {
	r.mu.Lock()
	v := r.setLevelLocked(r.level + delta)
	r.mu.Unlock()

	r.notify(false)
	return v
}

// Restore turns the module back on at its last level, or full if it has none.
func (r *DeviceRecord) Restore() float64 {
	r.mu.Lock()
	v := r.lastLevel
	if v <= 0 {
		v = 1
	}
	v = r.setLevelLocked(v)
	r.mu.Unlock()

	r.notify(false)
	return v
}

// Toggle flips between 0 and the last nonzero level and returns the new level.
//
// When switching off, the current level is remembered first if no last level
// has been recorded, so two toggles always return to where they started.
func (r *DeviceRecord) Toggle() float64 {
	r.mu.Lock()
	var v float64
	if r.level > 0 {
		if r.lastLevel <= 0 {
			r.lastLevel = r.level
		}
		v = r.setLevelLocked(0)
	} else {
		v = r.lastLevel
		if v <= 0 {
			v = 1
		}
		v = r.setLevelLocked(v)
	}
	r.mu.Unlock()

	r.notify(false)
	return v
}

func (r *DeviceRecord) setLevelLocked(v float64) float64 {
	v = clamp(v)
	r.level = v
	if v > 0 {
		r.lastLevel = v
	}
	return v
}

// Transition returns the fade time in tenths of a second.
func (r *DeviceRecord) Transition() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transition
}

// SetTransition stores the fade time in tenths of a second.
func (r *DeviceRecord) SetTransition(deciseconds int) {
	if deciseconds < 0 {
		deciseconds = 0
	}
	r.mu.Lock()
	r.transition = deciseconds
	r.mu.Unlock()

	r.notify(false)
}

// Module returns a snapshot of the record.
func (r *DeviceRecord) Module(domain string) mig.Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	return mig.Module{
		Domain:      domain,
		Address:     r.address,
		Description: r.description,
		Type:        r.Type(),
		Level:       r.level,
	}
}

func (r *DeviceRecord) stored() StoredModule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return StoredModule{
		Address:     r.address,
		Description: r.description,
		CustomData: CustomData{
			Type:       r.Type(),
			Level:      r.level,
			LastLevel:  r.lastLevel,
			Transition: r.transition,
		},
	}
}

// restore loads persisted state without triggering change callbacks.
func (r *DeviceRecord) restore(m StoredModule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.level = clamp(m.CustomData.Level)
	r.lastLevel = clamp(m.CustomData.LastLevel)
	if m.CustomData.Transition > 0 {
		r.transition = m.CustomData.Transition
	}
}

func (r *DeviceRecord) notify(structural bool) {
	if r.changed != nil {
		r.changed(structural)
	}
}

func clamp(v float64) float64 {
	switch {
	case v < 0 || v != v: // NaN counts as off
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
