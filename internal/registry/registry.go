package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-mig/internal/mig"
)

// DefaultSaveDelay is how long changes are coalesced before a save.
const DefaultSaveDelay = 500 * time.Millisecond

// Logger is the logging interface used by the registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopPublisher struct{}

func (noopPublisher) Emit(mig.Notification) bool { return true }

// Options configures a Registry. Zero values select the defaults; a nil
// Store disables persistence.
type Options struct {
	Store     Store
	Publisher mig.Publisher
	Logger    Logger
	SaveDelay time.Duration
}

// Registry is the set of modules known to one interface, keyed by address.
type Registry struct {
	domain    string
	store     Store
	publisher mig.Publisher
	logger    Logger
	saveDelay time.Duration

	mu      sync.RWMutex
	records map[string]*DeviceRecord

	// timerMu guards the pending save and closed flag.
	timerMu   sync.Mutex
	saveTimer *time.Timer
	pending   bool
	closed    bool

	// saveMu serialises writes to the store.
	saveMu     sync.Mutex
	saveErrors atomic.Uint64
}

// New creates an empty registry for domain.
func New(domain string, opts Options) *Registry {
	r := &Registry{
		domain:    domain,
		store:     opts.Store,
		publisher: opts.Publisher,
		logger:    opts.Logger,
		saveDelay: opts.SaveDelay,
		records:   make(map[string]*DeviceRecord),
	}
	if r.publisher == nil {
		r.publisher = noopPublisher{}
	}
	if r.logger == nil {
		r.logger = noopLogger{}
	}
	if r.saveDelay <= 0 {
		r.saveDelay = DefaultSaveDelay
	}
	return r
}

// SetLogger replaces the logger.
func (r *Registry) SetLogger(logger Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// Domain returns the interface domain the registry belongs to.
func (r *Registry) Domain() string {
	return r.domain
}

// Find returns the record for address.
func (r *Registry) Find(address string) (*DeviceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[address]
	return rec, ok
}

// AddOrGet returns the record for address, creating it with defaultType and
// description if it does not exist. Concurrent callers for the same address
// get the same record, and creation emits exactly one modules-changed
// notification.
func (r *Registry) AddOrGet(address string, defaultType mig.ModuleType, description string) (*DeviceRecord, bool) {
	if rec, ok := r.Find(address); ok {
		return rec, false
	}

	r.mu.Lock()
	if rec, ok := r.records[address]; ok {
		r.mu.Unlock()
		return rec, false
	}
	rec := newRecord(address, description, defaultType, r.onChange)
	r.records[address] = rec
	logger := r.logger
	r.mu.Unlock()

	logger.Info("module added", "domain", r.domain, "address", address, "type", defaultType.String())
	r.onChange(true)
	return rec, true
}

// Remove deletes the record for address and reports whether it existed.
func (r *Registry) Remove(address string) bool {
	r.mu.Lock()
	_, ok := r.records[address]
	delete(r.records, address)
	logger := r.logger
	r.mu.Unlock()

	if !ok {
		return false
	}
	logger.Info("module removed", "domain", r.domain, "address", address)
	r.onChange(true)
	return true
}

// Seed adds a record for every address not already present and emits one
// notification for the batch. It returns how many were created.
func (r *Registry) Seed(addresses []string, t mig.ModuleType, description string) int {
	created := 0
	r.mu.Lock()
	for _, a := range addresses {
		if _, ok := r.records[a]; ok {
			continue
		}
		r.records[a] = newRecord(a, description, t, r.onChange)
		created++
	}
	r.mu.Unlock()

	if created > 0 {
		r.onChange(true)
	}
	return created
}

// List returns all records ordered by address.
func (r *Registry) List() []*DeviceRecord {
	r.mu.RLock()
	list := make([]*DeviceRecord, 0, len(r.records))
	for _, rec := range r.records {
		list = append(list, rec)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Address() < list[j].Address() })
	return list
}

// Modules returns snapshots of all records ordered by address.
func (r *Registry) Modules() []mig.Module {
	list := r.List()
	modules := make([]mig.Module, len(list))
	for i, rec := range list {
		modules[i] = rec.Module(r.domain)
	}
	return modules
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// NotifyProperty emits a property-changed notification for rec.
func (r *Registry) NotifyProperty(rec *DeviceRecord, property string, value any) bool {
	return r.publisher.Emit(mig.PropertyChanged(r.domain, rec.Address(), rec.Description(), property, value))
}

// NotifyModules emits a modules-changed notification for the domain.
func (r *Registry) NotifyModules() bool {
	return r.publisher.Emit(mig.ModulesChanged(r.domain))
}

// Load merges the persisted list into the registry. Records already in
// memory win. Store errors are logged; whatever records the store did
// return are still added. The return value is the number of records added.
func (r *Registry) Load(ctx context.Context) int {
	if r.store == nil {
		return 0
	}
	if err := ctx.Err(); err != nil {
		return 0
	}

	stored, err := r.store.Load()
	if err != nil {
		r.log().Error("loading modules failed", "domain", r.domain, "error", err, "readable", len(stored))
	}

	added := 0
	r.mu.Lock()
	for _, m := range stored {
		if m.Address == "" {
			continue
		}
		if _, ok := r.records[m.Address]; ok {
			continue
		}
		rec := newRecord(m.Address, m.Description, m.CustomData.Type, r.onChange)
		rec.restore(m)
		r.records[m.Address] = rec
		added++
	}
	logger := r.logger
	r.mu.Unlock()

	if added > 0 {
		logger.Info("modules loaded", "domain", r.domain, "count", added)
		r.NotifyModules()
	}
	return added
}

// Flush saves immediately, cancelling any pending save.
func (r *Registry) Flush() error {
	r.timerMu.Lock()
	if r.saveTimer != nil {
		r.saveTimer.Stop()
	}
	r.pending = false
	r.timerMu.Unlock()

	return r.save()
}

// Close stops scheduling saves and writes the final state.
func (r *Registry) Close() error {
	r.timerMu.Lock()
	if r.closed {
		r.timerMu.Unlock()
		return nil
	}
	r.closed = true
	if r.saveTimer != nil {
		r.saveTimer.Stop()
	}
	r.pending = false
	r.timerMu.Unlock()

	return r.save()
}

// SaveErrors returns how many saves have failed.
func (r *Registry) SaveErrors() uint64 {
	return r.saveErrors.Load()
}

func (r *Registry) onChange(structural bool) {
	r.scheduleSave()
	if structural {
		r.NotifyModules()
	}
}

// scheduleSave arms a single timer; changes made while it is pending are
// picked up by the same save.
func (r *Registry) scheduleSave() {
	if r.store == nil {
		return
	}

	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.closed || r.pending {
		return
	}
	r.pending = true
	r.saveTimer = time.AfterFunc(r.saveDelay, func() {
		r.timerMu.Lock()
		r.pending = false
		r.timerMu.Unlock()

		_ = r.save() //nolint:errcheck // logged in save
	})
}

func (r *Registry) save() error {
	if r.store == nil {
		return nil
	}

	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	list := r.List()
	stored := make([]StoredModule, len(list))
	for i, rec := range list {
		stored[i] = rec.stored()
	}

	if err := r.store.Save(stored); err != nil {
		r.saveErrors.Add(1)
		r.log().Error("persisting modules failed", "domain", r.domain, "error", err)
		return err
	}
	return nil
}

func (r *Registry) log() Logger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.logger
}
