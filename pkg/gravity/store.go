package gravity

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"gravity-well/pkg/config"
	"gravity-well/pkg/logging"
	"gravity-well/pkg/policy"
)

// Store owns the read-only connection to the gravity database and every
// prepared statement derived from it: the shared audit statement, the bulk
// table iterator, and the per-client list statements. All of those are
// valid only for the current connection generation; checkGeneration drops
// them when the process identity changes or the backing file is replaced.
//
// The original engine runs one store per forked worker with no locking.
// Goroutines replace forks here, so public entry points serialize on a
// single mutex; the fail-fast zero busy-timeout policy is unchanged.
type Store struct {
	mu sync.Mutex

	cfg    *config.GravityConfig
	logger *logging.Logger

	db     *sql.DB
	opened bool

	// Process identity recorded at first open. A mismatch on a later call
	// means the surrounding system forked a worker; inherited handles must
	// be dropped, never finalized.
	mainProcess int
	thisProcess int
	procid      func() int

	// dirty is set by the database-file watcher; the next entry point
	// closes and reopens before touching any cached statement.
	dirty atomic.Bool

	// generation increments on every successful open.
	generation uint64

	auditStmt *sql.Stmt
	tableRows *sql.Rows

	// Per-client prepared statements, indexed by clientID. The slices grow
	// on demand and never shrink while the store is open.
	whitelistStmt []*sql.Stmt
	blacklistStmt []*sql.Stmt
	gravityStmt   []*sql.Stmt

	groupCache *lru.Cache[string, string]

	prefilter *prefilter

	regex    RegexMatcher
	metrics  MetricsRecorder
	policies *policy.Engine
}

// Option configures a Store.
type Option func(*Store)

// WithRegexMatcher attaches the compiled-regex subsystem.
func WithRegexMatcher(m RegexMatcher) Option {
	return func(s *Store) { s.regex = m }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Store) { s.metrics = m }
}

// WithPolicyEngine attaches override rules evaluated before list lookups.
func WithPolicyEngine(e *policy.Engine) Option {
	return func(s *Store) { s.policies = e }
}

// WithProcessID overrides process-identity detection. Tests use this to
// simulate a fork boundary.
func WithProcessID(fn func() int) Option {
	return func(s *Store) { s.procid = fn }
}

// SetPolicyEngine swaps the override rules. Used by the config reload path;
// a nil engine removes the override layer.
func (s *Store) SetPolicyEngine(e *policy.Engine) {
	s.mu.Lock()
	s.policies = e
	s.mu.Unlock()
}

// New creates a Store for the configured database. The database is not
// opened until Open or the first lookup.
func New(cfg *config.GravityConfig, logger *logging.Logger, opts ...Option) *Store {
	s := &Store{
		cfg:    cfg,
		logger: logger,
		procid: os.Getpid,
	}
	for _, opt := range opts {
		opt(s)
	}

	size := cfg.GroupCacheSize
	if size <= 0 {
		size = 256
	}
	// lru.New only fails for non-positive sizes, which are rewritten above.
	s.groupCache, _ = lru.New[string, string](size)

	if cfg.Prefilter {
		s.prefilter = newPrefilter(cfg.PrefilterErrorRate)
	}

	return s
}

// The audit table supports a wildcard character (*) in stored patterns:
//
//	google.de   matches only google.de
//	*.google.de matches all subdomains of google.de, but not google.de
//	*google.de  matches google.de, its subdomains, and any other domain
//	            ending in google.de, like abcgoogle.de
const auditQuery = `SELECT EXISTS(` +
	`SELECT domain, ` +
	`CASE WHEN substr(domain, 1, 1) = '*' ` +
	`THEN '*' || substr(:input, - length(domain) + 1) ` +
	`ELSE :input ` +
	`END matcher ` +
	`FROM domain_audit WHERE matcher = domain` +
	`);`

var subnetMatchOnce sync.Once

// registerSubnetMatch makes subnet_match(spec, addr) available inside SQL.
// Registration is process-wide and applies to connections opened afterwards,
// so it runs exactly once, before the first open.
func registerSubnetMatch() {
	subnetMatchOnce.Do(func() {
		sqlite.MustRegisterDeterministicScalarFunction("subnet_match", 2,
			func(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
				spec, ok1 := textArg(args[0])
				addr, ok2 := textArg(args[1])
				if !ok1 || !ok2 {
					return int64(0), nil
				}
				if subnetMatch(spec, addr) {
					return int64(1), nil
				}
				return int64(0), nil
			})
	})
}

func textArg(v driver.Value) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	default:
		return "", false
	}
}

// subnetMatch reports whether the client address falls under the client
// table entry. Entries are either plain addresses (exact match) or CIDR
// prefixes (containment). IPv4-mapped IPv6 addresses compare equal to
// their IPv4 form.
func subnetMatch(spec, addr string) bool {
	client, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	client = client.Unmap()

	if strings.Contains(spec, "/") {
		prefix, err := netip.ParsePrefix(spec)
		if err != nil {
			return false
		}
		prefix = netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits())
		return prefix.Contains(client)
	}

	entry, err := netip.ParseAddr(spec)
	if err != nil {
		return false
	}
	return entry.Unmap() == client
}

// Open opens the gravity database read-only and prepares the shared audit
// statement. Calling Open while already open is a no-op. The busy timeout
// is set to the configured default during setup, then forced to zero:
// a list rebuild holding the write lock must fail the lookup fast (and
// default to "not listed") instead of stalling the query path.
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open()
}

func (s *Store) open() error {
	if _, err := os.Stat(s.cfg.DatabasePath); err != nil {
		s.logger.Error("Gravity database file does not exist", "path", s.cfg.DatabasePath)
		return fmt.Errorf("%w: %s", ErrNotFound, s.cfg.DatabasePath)
	}

	if s.opened && s.db != nil {
		if s.cfg.Debug {
			s.logger.Debug("Gravity database already connected")
		}
		return nil
	}

	registerSubnetMatch()

	if s.cfg.Debug {
		s.logger.Debug("Opening gravity database in read-only mode", "path", s.cfg.DatabasePath)
	}
	db, err := sql.Open("sqlite", "file:"+s.cfg.DatabasePath+"?mode=ro")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// One native connection per store; prepared statements stay bound to it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	s.db = db
	s.opened = true

	// Temporary tables, indices, and views live in memory.
	if _, err := s.db.Exec("PRAGMA temp_store = MEMORY"); err != nil {
		s.logger.Error("Failed to set temp_store pragma", "error", err)
		s.close()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	if s.cfg.Debug {
		s.logger.Debug("Preparing audit query")
	}
	auditStmt, err := s.db.Prepare(auditQuery)
	if err != nil {
		s.logger.Error("Failed to prepare audit statement", "error", err)
		s.close()
		return fmt.Errorf("%w: %v", ErrPrepareFailed, err)
	}
	s.auditStmt = auditStmt

	// Allow the configured grace period while the remaining setup runs.
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", s.cfg.BusyTimeout.Milliseconds())); err != nil {
		s.logger.Error("Failed to set busy timeout", "error", err)
		s.close()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	s.ensureClientSlot(s.cfg.InitialClients - 1)

	// From here on, contention fails immediately.
	if _, err := s.db.Exec("PRAGMA busy_timeout = 0"); err != nil {
		s.logger.Error("Cannot reset busy timeout", "error", err)
	}

	s.generation++

	if s.cfg.Debug {
		s.logger.Debug("Successfully opened gravity database", "generation", s.generation)
	}
	return nil
}

// Close finalizes every outstanding prepared statement and closes the
// connection. Safe to call when not open.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.close()
}

func (s *Store) close() {
	if !s.opened {
		return
	}

	s.finalizeClientStatements()
	s.whitelistStmt = nil
	s.blacklistStmt = nil
	s.gravityStmt = nil

	if s.auditStmt != nil {
		_ = s.auditStmt.Close()
		s.auditStmt = nil
	}
	if s.tableRows != nil {
		_ = s.tableRows.Close()
		s.tableRows = nil
	}

	s.groupCache.Purge()

	_ = s.db.Close()
	s.db = nil
	s.opened = false
}

// Invalidate marks every cached handle stale. The next entry point closes
// and reopens the store before touching the database. Used by the
// database-file watcher when a list rebuild replaces the file.
func (s *Store) Invalidate() {
	s.dirty.Store(true)
}

// Generation returns the current connection generation. It increments on
// every successful open; handles created under an older generation are
// never reused.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// checkGeneration runs at the start of every entry point that touches
// cached statements. When the process identity changed, the connection and
// all statements belong to the pre-fork address space: they are dropped
// without being finalized, and the store reopens. When the watcher flagged
// a file replacement, the handles are still valid and are closed cleanly
// first.
func (s *Store) checkGeneration() {
	if s.mainProcess == 0 {
		s.mainProcess = s.procid()
		s.thisProcess = s.mainProcess
	}

	forked := s.thisProcess != s.procid()
	replaced := s.dirty.Swap(false)
	if !forked && !replaced {
		return
	}

	if forked {
		s.logger.Info("Process identity changed, dropping inherited database handles")
		s.thisProcess = s.procid()
		s.dropHandles()
	} else {
		s.logger.Info("Gravity database invalidated, reopening")
		s.close()
	}

	if s.metrics != nil {
		s.metrics.AddStoreReopen(context.Background())
	}

	if err := s.open(); err != nil {
		s.logger.Error("Failed to reopen gravity database", "error", err)
	}
}

// dropHandles abandons the connection and every statement without closing
// anything. The native handles were created before a resource-sharing
// boundary and must not be touched from this side of it.
func (s *Store) dropHandles() {
	s.opened = false
	s.db = nil
	s.auditStmt = nil
	s.tableRows = nil
	s.whitelistStmt = nil
	s.blacklistStmt = nil
	s.gravityStmt = nil
	s.groupCache.Purge()
}

// isBusy reports whether err is SQLite contention rather than a hard error.
func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}
