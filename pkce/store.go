package pkce

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// Store holds the pending Session between the two phases of a login.  A
// Store is scoped to one browser tab (or one CLI process): there is at most
// one pending Session per scope and Put overwrites it.
//
// Implementations must be concurrently safe and must not hand out references
// to their internal copy.
type Store interface {
	// Put saves s as the pending session, replacing any existing one.
	Put(ctx context.Context, s *Session) error

	// Get returns the pending session, or nil and no error when there is
	// none.
	Get(ctx context.Context) (*Session, error)

	// Take returns the pending session and clears it in one step, so a
	// session is handed out at most once.  It returns nil and no error when
	// there is none.
	Take(ctx context.Context) (*Session, error)

	// Clear erases the pending session.  Clearing an empty store is not an
	// error.
	Clear(ctx context.Context) error
}

// DefaultMaxTabs bounds the number of pending sessions a TabStore keeps.
const DefaultMaxTabs = 10000

// storeOptions is the set of available options for the Store implementations
type storeOptions struct {
	withLogger  hclog.Logger
	withMaxTabs int
}

func storeDefaults() storeOptions {
	return storeOptions{
		withMaxTabs: DefaultMaxTabs,
	}
}

func getStoreOpts(opt ...Option) storeOptions {
	opts := storeDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithMaxTabs provides an optional bound on the pending sessions a TabStore
// keeps.  When full, the oldest pending session is dropped.
func WithMaxTabs(n int) Option {
	return func(o interface{}) {
		if o, ok := o.(*storeOptions); ok {
			o.withMaxTabs = n
		}
	}
}

// MemoryStore is a single-slot Store.  It fits one tab or one CLI login.
type MemoryStore struct {
	mu      sync.Mutex
	session *Session
	logger  hclog.Logger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
//
// Supported options: WithLogger
func NewMemoryStore(opt ...Option) *MemoryStore {
	opts := getStoreOpts(opt...)
	return &MemoryStore{logger: loggerOrNull(opts.withLogger)}
}

// Put implements Store.Put.
func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	const op = "MemoryStore.Put"
	if s == nil {
		return fmt.Errorf("%s: session is nil: %w", op, ErrNilParameter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.logger.Debug("replacing pending session", "old_state", shortState(m.session.state), "new_state", shortState(s.state))
	}
	m.session = s.clone()
	return nil
}

// Get implements Store.Get.
func (m *MemoryStore) Get(_ context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.clone(), nil
}

// Take implements Store.Take.
func (m *MemoryStore) Take(_ context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	m.session = nil
	return s, nil
}

// Clear implements Store.Clear.
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	return nil
}

type tabIDKey struct{}

// WithTabID returns a context carrying the id of the browser tab (session)
// a TabStore should use.
func WithTabID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tabIDKey{}, id)
}

// TabIDFromContext returns the tab id set by WithTabID.
func TabIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tabIDKey{}).(string)
	return id, ok && id != ""
}

type tabEntry struct {
	session *Session
	seq     uint64
}

// TabStore keeps one pending Session per tab id.  The tab id comes from the
// context (see WithTabID), so one TabStore can back an http.Handler serving
// many browsers.
type TabStore struct {
	mu      sync.Mutex
	tabs    map[string]tabEntry
	seq     uint64
	maxTabs int
	logger  hclog.Logger
}

var _ Store = (*TabStore)(nil)

// NewTabStore creates an empty TabStore.
//
// Supported options: WithLogger, WithMaxTabs
func NewTabStore(opt ...Option) (*TabStore, error) {
	const op = "pkce.NewTabStore"
	opts := getStoreOpts(opt...)
	if opts.withMaxTabs <= 0 {
		return nil, fmt.Errorf("%s: max tabs %d is not positive: %w", op, opts.withMaxTabs, ErrInvalidParameter)
	}
	return &TabStore{
		tabs:    map[string]tabEntry{},
		maxTabs: opts.withMaxTabs,
		logger:  loggerOrNull(opts.withLogger),
	}, nil
}

// Put implements Store.Put for the context's tab.
func (t *TabStore) Put(ctx context.Context, s *Session) error {
	const op = "TabStore.Put"
	if s == nil {
		return fmt.Errorf("%s: session is nil: %w", op, ErrNilParameter)
	}
	id, ok := TabIDFromContext(ctx)
	if !ok {
		return fmt.Errorf("%s: %w", op, ErrMissingTabID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.tabs[id]; ok {
		t.logger.Debug("replacing pending session", "tab", id, "old_state", shortState(old.session.state), "new_state", shortState(s.state))
	} else if len(t.tabs) >= t.maxTabs {
		t.evictOldest()
	}
	t.seq++
	t.tabs[id] = tabEntry{session: s.clone(), seq: t.seq}
	return nil
}

// Get implements Store.Get for the context's tab.  A context without a tab
// id has no pending session.
func (t *TabStore) Get(ctx context.Context) (*Session, error) {
	id, ok := TabIDFromContext(ctx)
	if !ok {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.tabs[id]
	if !ok {
		return nil, nil
	}
	return e.session.clone(), nil
}

// Take implements Store.Take for the context's tab.
func (t *TabStore) Take(ctx context.Context) (*Session, error) {
	id, ok := TabIDFromContext(ctx)
	if !ok {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.tabs[id]
	if !ok {
		return nil, nil
	}
	delete(t.tabs, id)
	return e.session, nil
}

// Clear implements Store.Clear for the context's tab.
func (t *TabStore) Clear(ctx context.Context) error {
	id, ok := TabIDFromContext(ctx)
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tabs, id)
	return nil
}

// Len returns the number of tabs with a pending session.
func (t *TabStore) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tabs)
}

// evictOldest must be called with t.mu held.
func (t *TabStore) evictOldest() {
	var (
		oldestID  string
		oldestSeq uint64
	)
	for id, e := range t.tabs {
		if oldestID == "" || e.seq < oldestSeq {
			oldestID, oldestSeq = id, e.seq
		}
	}
	if oldestID != "" {
		t.logger.Debug("dropping abandoned pending session", "tab", oldestID)
		delete(t.tabs, oldestID)
	}
}

// Keys under which a KVStore keeps the pending session.
const (
	StateKey        = "pkce_state"
	CodeVerifierKey = "pkce_code_verifier"
)

// KeyValue is tab-scoped string storage, for example a browser's
// sessionStorage reached through a bridge, or a per-session server cache.
type KeyValue interface {
	// Get returns the value for key and whether it is present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// KVStore is a Store keeping the pending session as two entries, StateKey
// and CodeVerifierKey, in a KeyValue.  Take is atomic among the callers of
// one KVStore; a KeyValue shared between processes needs its own locking.
type KVStore struct {
	mu     sync.Mutex
	kv     KeyValue
	logger hclog.Logger
}

var _ Store = (*KVStore)(nil)

// NewKVStore creates a KVStore over kv.
//
// Supported options: WithLogger
func NewKVStore(kv KeyValue, opt ...Option) (*KVStore, error) {
	const op = "pkce.NewKVStore"
	if kv == nil {
		return nil, fmt.Errorf("%s: key value storage is nil: %w", op, ErrNilParameter)
	}
	opts := getStoreOpts(opt...)
	return &KVStore{kv: kv, logger: loggerOrNull(opts.withLogger)}, nil
}

// Put implements Store.Put.  A failed write leaves no partial session
// behind.
func (k *KVStore) Put(ctx context.Context, s *Session) error {
	const op = "KVStore.Put"
	if s == nil {
		return fmt.Errorf("%s: session is nil: %w", op, ErrNilParameter)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if old, ok, err := k.kv.Get(ctx, StateKey); err == nil && ok {
		k.logger.Debug("replacing pending session", "old_state", shortState(old), "new_state", shortState(s.state))
	}
	for _, e := range []struct{ key, value string }{
		{StateKey, s.state},
		{CodeVerifierKey, s.codeVerifier},
	} {
		if err := k.kv.Set(ctx, e.key, e.value); err != nil {
			var retErr error = fmt.Errorf("%s: unable to set %s: %w", op, e.key, err)
			if clearErr := k.clear(ctx); clearErr != nil {
				retErr = multierror.Append(retErr, clearErr)
			}
			return retErr
		}
	}
	return nil
}

// Get implements Store.Get.  Only a complete pair of entries is a pending
// session.
func (k *KVStore) Get(ctx context.Context) (*Session, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.get(ctx)
}

// Take implements Store.Take.  The entries are deleted even when they do not
// form a valid session.
func (k *KVStore) Take(ctx context.Context) (*Session, error) {
	const op = "KVStore.Take"
	k.mu.Lock()
	defer k.mu.Unlock()
	s, err := k.get(ctx)
	if clearErr := k.clear(ctx); clearErr != nil {
		return nil, multierror.Append(err, fmt.Errorf("%s: %w", op, clearErr))
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (k *KVStore) get(ctx context.Context) (*Session, error) {
	const op = "KVStore.Get"
	state, stateOk, err := k.kv.Get(ctx, StateKey)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to get %s: %w", op, StateKey, err)
	}
	verifier, verifierOk, err := k.kv.Get(ctx, CodeVerifierKey)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to get %s: %w", op, CodeVerifierKey, err)
	}
	if !stateOk || !verifierOk || state == "" || verifier == "" {
		return nil, nil
	}
	s, err := NewSession(WithState(state), WithCodeVerifier(verifier))
	if err != nil {
		return nil, fmt.Errorf("%s: stored session is invalid: %w", op, err)
	}
	return s, nil
}

// Clear implements Store.Clear.  Both entries are always attempted.
func (k *KVStore) Clear(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.clear(ctx)
}

func (k *KVStore) clear(ctx context.Context) error {
	const op = "KVStore.Clear"
	var retErr *multierror.Error
	for _, key := range []string{StateKey, CodeVerifierKey} {
		if err := k.kv.Delete(ctx, key); err != nil {
			retErr = multierror.Append(retErr, fmt.Errorf("%s: unable to delete %s: %w", op, key, err))
		}
	}
	return retErr.ErrorOrNil()
}
