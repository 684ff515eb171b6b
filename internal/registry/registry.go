// Package registry keeps the in-memory function table: load, reload,
// undeploy, and per-function status, grounded in the teacher's config
// registry idiom (NewXRegistry/Get/GetAll/Has in pkg/config) but mutable,
// since functions are rescanned at runtime rather than loaded once at boot.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tarsy-labs/funcrun/internal/types"
)

// Status is a function record's mutable execution state (§3).
type Status struct {
	mu           sync.Mutex
	LastRunAt    *time.Time
	RunCount     int64
	HasCompleted bool
	LastResult   any
	LastError    string

	// onComplete, when set, is invoked the first time MarkCompleted flips
	// HasCompleted true. The registry uses it to persist the name into its
	// process-wide completed set so a later reload (which builds a fresh
	// Status per record) doesn't forget the function already ran (§4.7).
	onComplete func()
}

// StatusSnapshot is a point-in-time copy safe to hand to readers.
type StatusSnapshot struct {
	LastRunAt    *time.Time
	RunCount     int64
	HasCompleted bool
	LastResult   any
	LastError    string
}

func (s *Status) snapshot() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusSnapshot{
		LastRunAt:    s.LastRunAt,
		RunCount:     s.RunCount,
		HasCompleted: s.HasCompleted,
		LastResult:   s.LastResult,
		LastError:    s.LastError,
	}
}

// RecordRun updates status after an invocation completes: it stamps
// LastRunAt, increments RunCount, and stores result as LastResult when errMsg
// is empty or errMsg as LastError otherwise. It never changes HasCompleted;
// the §4.3 run-once success rule is applied separately via MarkCompleted.
func (s *Status) RecordRun(at time.Time, result any, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastRunAt = &at
	s.RunCount++
	if errMsg != "" {
		s.LastError = errMsg
	} else {
		s.LastResult = result
		s.LastError = ""
	}
}

// MarkCompleted flips HasCompleted true. Caller has already verified the
// run-once success rule.
func (s *Status) MarkCompleted() {
	s.mu.Lock()
	alreadyDone := s.HasCompleted
	s.HasCompleted = true
	onComplete := s.onComplete
	s.mu.Unlock()
	if !alreadyDone && onComplete != nil {
		onComplete()
	}
}

// IsCompleted reports whether the status has recorded a successful
// run-once completion.
func (s *Status) IsCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.HasCompleted
}

// Snapshot returns a point-in-time copy of the status, safe to expose to
// readers (the /functions and /function-status/{name} endpoints).
func (s *Status) Snapshot() StatusSnapshot {
	return s.snapshot()
}

// FunctionRecord is one registered handler (§3).
type FunctionRecord struct {
	Name        string
	Description string
	Triggers    []types.Trigger
	Handler     types.Handler
	SourcePath  string
	EnvVars     map[string]string
	RunOnce     bool
	Status      *Status
}

// HTTPMethods returns the union of methods declared across the record's
// HTTP triggers, or DefaultHTTPMethods if it declares an HTTP trigger with
// none specified. Returns nil if the record has no HTTP trigger at all.
func (f *FunctionRecord) HTTPMethods() []string {
	var methods []string
	seen := map[string]bool{}
	hasHTTP := false
	for _, t := range f.Triggers {
		ht, ok := t.(types.HTTPTrigger)
		if !ok {
			continue
		}
		hasHTTP = true
		ms := ht.Methods
		if len(ms) == 0 {
			ms = types.DefaultHTTPMethods
		}
		for _, m := range ms {
			if !seen[m] {
				seen[m] = true
				methods = append(methods, m)
			}
		}
	}
	if !hasHTTP {
		return nil
	}
	return methods
}

// DatabaseTriggers returns the record's database trigger descriptors.
func (f *FunctionRecord) DatabaseTriggers() []types.DatabaseTrigger {
	var out []types.DatabaseTrigger
	for _, t := range f.Triggers {
		if dt, ok := t.(types.DatabaseTrigger); ok {
			if dt.Channel == "" {
				dt.Channel = dt.Table + "_changes"
			}
			out = append(out, dt)
		}
	}
	return out
}

// EventTriggers returns the record's event names.
func (f *FunctionRecord) EventTriggers() []string {
	var out []string
	for _, t := range f.Triggers {
		if et, ok := t.(types.EventTrigger); ok {
			out = append(out, et.Event)
		}
	}
	return out
}

// ScheduleTriggers returns the record's cron descriptors.
func (f *FunctionRecord) ScheduleTriggers() []types.ScheduleTrigger {
	var out []types.ScheduleTrigger
	for _, t := range f.Triggers {
		if st, ok := t.(types.ScheduleTrigger); ok {
			out = append(out, st)
		}
	}
	return out
}

// WebhookTrigger returns the record's webhook trigger, if any.
func (f *FunctionRecord) WebhookTrigger() (types.WebhookTrigger, bool) {
	for _, t := range f.Triggers {
		if wt, ok := t.(types.WebhookTrigger); ok {
			return wt, true
		}
	}
	return types.WebhookTrigger{}, false
}

// EventSubscriber is the slice of the event bus the registry needs: clear a
// named event's listeners before rebinding, and subscribe fresh ones. This
// keeps the registry decoupled from the eventbus package's concrete type.
type EventSubscriber interface {
	Clear(event string)
	Subscribe(event string, listener func(ctx context.Context, data []byte))
}

// DBBinder is the slice of the database bridge the registry needs to ensure
// a trigger's channel is listened on and, best-effort, that the
// notify-trigger DDL exists on its table.
type DBBinder interface {
	EnsureListener(ctx context.Context, channel string) error
	EnsureTableTrigger(ctx context.Context, table, channel string) error
}

// Loader loads a single handler file into a Handler + Metadata. Satisfied by
// the plugin-backed loader in production and by a stub in tests.
type Loader interface {
	Load(path string) (types.Handler, error)
}

// Registry is the in-memory function table. Reads are lock-free-ish via a
// coarse RWMutex around a plain map; a rescan builds a fresh map and swaps
// it in atomically so no reader observes a partially populated registry
// (§5 Shared-resource policy).
type Registry struct {
	mu        sync.RWMutex
	functions map[string]*FunctionRecord

	completedMu sync.Mutex
	completed   map[string]struct{}

	workDir string
	loader  Loader
	events  EventSubscriber
	db      DBBinder

	// OnEventDispatch is invoked by a bound event-bus listener whenever event
	// fires for rec; set by the Runtime aggregate to mint ids, synthesize the
	// X-Event-Name-bearing request, and invoke the harness (§4.6). Left nil
	// in tests that don't exercise event dispatch.
	OnEventDispatch func(ctx context.Context, rec *FunctionRecord, event string, data []byte)
}

// New constructs an empty Registry rooted at workDir.
func New(workDir string, loader Loader, events EventSubscriber, db DBBinder) *Registry {
	return &Registry{
		functions: make(map[string]*FunctionRecord),
		completed: make(map[string]struct{}),
		workDir:   workDir,
		loader:    loader,
		events:    events,
		db:        db,
	}
}

// Get returns the named function record.
func (r *Registry) Get(name string) (*FunctionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.functions[name]
	return rec, ok
}

// GetAll returns a snapshot slice of all registered records.
func (r *Registry) GetAll() []*FunctionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*FunctionRecord, 0, len(r.functions))
	for _, rec := range r.functions {
		out = append(out, rec)
	}
	return out
}

// Has reports whether name is currently registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.functions[name]
	return ok
}

// Count returns the number of registered functions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.functions)
}

func (r *Registry) isCompleted(name string) bool {
	r.completedMu.Lock()
	defer r.completedMu.Unlock()
	_, ok := r.completed[name]
	return ok
}

// MarkCompletedOnce adds name to the process-wide completed-run-once set.
func (r *Registry) MarkCompletedOnce(name string) {
	r.completedMu.Lock()
	r.completed[name] = struct{}{}
	r.completedMu.Unlock()
}

// isFunctionSource reports whether path should be considered a handler file:
// plugin binaries built for this runtime, excluding env-map sidecars and
// temp files.
func isFunctionSource(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	if strings.HasSuffix(name, ".env.json") {
		return false
	}
	if strings.HasSuffix(name, ".tmp") {
		return false
	}
	return strings.HasSuffix(name, ".so")
}

func nameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ScanAndReload enumerates handler files under the working directory,
// (re)loads each, and atomically replaces the registry (§4.1 scan_and_reload).
// It returns the count of functions registered after the scan.
func (r *Registry) ScanAndReload(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(r.workDir)
	if err != nil {
		return 0, fmt.Errorf("read work dir: %w", err)
	}

	fresh := make(map[string]*FunctionRecord, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(r.workDir, e.Name())
		if !isFunctionSource(path) {
			continue
		}
		rec, err := r.loadOne(ctx, path)
		if err != nil {
			slog.Warn("skipping function load failure", "path", path, "error", err)
			continue
		}
		fresh[rec.Name] = rec
	}

	r.mu.Lock()
	r.functions = fresh
	r.mu.Unlock()

	r.bindEvents(fresh)
	for _, rec := range fresh {
		r.bindDatabase(ctx, rec)
	}

	return len(fresh), nil
}

// loadOne loads a single file, extracting metadata/handler and the sibling
// env.json if present, preserving has_completed from the completed set.
func (r *Registry) loadOne(ctx context.Context, path string) (*FunctionRecord, error) {
	handler, err := r.loader.Load(path)
	if err != nil {
		return nil, err
	}
	meta := handler.Describe()
	name := nameFromPath(path)

	env, err := loadEnvFile(envPathFor(path))
	if err != nil {
		slog.Warn("invalid env.json, using empty env", "path", path, "error", err)
		env = map[string]string{}
	}

	status := &Status{}
	if r.isCompleted(name) {
		status.HasCompleted = true
	}
	status.onComplete = func() { r.MarkCompletedOnce(name) }

	return &FunctionRecord{
		Name:        name,
		Description: meta.Description,
		Triggers:    meta.Triggers,
		Handler:     handler,
		SourcePath:  path,
		EnvVars:     env,
		RunOnce:     meta.RunOnce,
		Status:      status,
	}, nil
}

// bindEvents rewires event-trigger listeners for the whole fresh registry in
// two global passes: every event name referenced by any record is cleared
// first, then every record's listeners are (re-)subscribed. Doing this
// per-record instead (clear rec's events, subscribe rec's events, move to
// the next record) would let a later record's Clear wipe out an earlier
// record's freshly-bound listener whenever two functions share an event
// name, so the clear and subscribe passes must each span the whole batch.
func (r *Registry) bindEvents(fresh map[string]*FunctionRecord) {
	if r.events == nil {
		return
	}
	cleared := map[string]bool{}
	for _, rec := range fresh {
		for _, event := range rec.EventTriggers() {
			if !cleared[event] {
				r.events.Clear(event)
				cleared[event] = true
			}
		}
	}
	for _, rec := range fresh {
		thisRec := rec
		for _, event := range rec.EventTriggers() {
			e := event
			r.events.Subscribe(e, func(ctx context.Context, data []byte) {
				if r.OnEventDispatch != nil {
					r.OnEventDispatch(ctx, thisRec, e, data)
				}
			})
		}
	}
}

// bindDatabase ensures rec's database triggers have LISTENers and DB-side
// notify triggers installed (§4.1 register(), §4.5).
func (r *Registry) bindDatabase(ctx context.Context, rec *FunctionRecord) {
	if r.db == nil {
		return
	}
	for _, dt := range rec.DatabaseTriggers() {
		if err := r.db.EnsureListener(ctx, dt.Channel); err != nil {
			slog.Warn("failed to ensure DB listener", "channel", dt.Channel, "error", err)
			continue
		}
		if dt.Table != "" {
			if err := r.db.EnsureTableTrigger(ctx, dt.Table, dt.Channel); err != nil {
				slog.Warn("failed to ensure notify trigger, will retry on next reload", "table", dt.Table, "error", err)
			}
		}
	}
}

func envPathFor(sourcePath string) string {
	name := nameFromPath(sourcePath)
	return filepath.Join(filepath.Dir(sourcePath), name+".env.json")
}

// Deploy writes a handler's compiled plugin bytes and optional env map to
// disk, then triggers a rescan (§4.2 POST /deploy).
func (r *Registry) Deploy(ctx context.Context, functionName string, code []byte, env map[string]string) (int, error) {
	if functionName == "" || len(code) == 0 {
		return 0, fmt.Errorf("functionName and code are required")
	}
	path := filepath.Join(r.workDir, functionName+".so")
	if err := os.WriteFile(path, code, 0o644); err != nil {
		return 0, fmt.Errorf("write handler file: %w", err)
	}
	if env != nil {
		b, err := marshalEnv(env)
		if err != nil {
			return 0, fmt.Errorf("marshal env: %w", err)
		}
		if err := os.WriteFile(envPathFor(path), b, 0o644); err != nil {
			return 0, fmt.Errorf("write env file: %w", err)
		}
	}
	return r.ScanAndReload(ctx)
}

// Undeploy removes a handler's file (missing file is not an error) and
// rescans (§4.2 DELETE /deploy/{name}).
func (r *Registry) Undeploy(ctx context.Context, functionName string) (int, error) {
	path := filepath.Join(r.workDir, functionName+".so")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("remove handler file: %w", err)
	}
	_ = os.Remove(envPathFor(path))
	return r.ScanAndReload(ctx)
}
