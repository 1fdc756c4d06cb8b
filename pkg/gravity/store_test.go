package gravity

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gravity-well/pkg/config"
	"gravity-well/pkg/logging"
)

// createTestDB writes a small gravity database fixture. The real database
// exposes the lists through views; plain tables with the same names and
// columns behave identically for the read-only queries under test.
func createTestDB(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "gravity.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	defer func() { _ = db.Close() }()

	schema := `
CREATE TABLE client (id INTEGER PRIMARY KEY, ip TEXT NOT NULL);
CREATE TABLE client_by_group (client_id INTEGER NOT NULL, group_id INTEGER NOT NULL);
CREATE TABLE vw_gravity (domain TEXT NOT NULL, group_id INTEGER NOT NULL, id INTEGER NOT NULL);
CREATE TABLE vw_blacklist (domain TEXT NOT NULL, group_id INTEGER NOT NULL, id INTEGER NOT NULL);
CREATE TABLE vw_whitelist (domain TEXT NOT NULL, group_id INTEGER NOT NULL, id INTEGER NOT NULL);
CREATE TABLE vw_regex_blacklist (domain TEXT NOT NULL, group_id INTEGER NOT NULL, id INTEGER NOT NULL);
CREATE TABLE vw_regex_whitelist (domain TEXT NOT NULL, group_id INTEGER NOT NULL, id INTEGER NOT NULL);
CREATE TABLE info (property TEXT PRIMARY KEY, value TEXT NOT NULL);
CREATE TABLE domain_audit (id INTEGER PRIMARY KEY, domain TEXT NOT NULL);

INSERT INTO client VALUES (1, '192.168.1.50');
INSERT INTO client VALUES (2, '10.0.0.0/8');
INSERT INTO client_by_group VALUES (1, 5);

INSERT INTO vw_gravity VALUES ('ads.example.com', 0, 1);
INSERT INTO vw_gravity VALUES ('tracker.example.com', 0, 2);
INSERT INTO vw_gravity VALUES ('lan-only.example.com', 5, 3);
INSERT INTO vw_blacklist VALUES ('bad.example.com', 0, 1);
INSERT INTO vw_whitelist VALUES ('good.example.com', 0, 1);
INSERT INTO vw_whitelist VALUES ('lan-good.example.com', 5, 2);
INSERT INTO info VALUES ('gravity_count', '3');
`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("failed to populate test database: %v", err)
	}
	return path
}

// execTestDB applies extra statements to an existing fixture, before or
// between store opens.
func execTestDB(t *testing.T, path string, stmts ...string) {
	t.Helper()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	defer func() { _ = db.Close() }()

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("failed to exec %q: %v", stmt, err)
		}
	}
}

func testConfig(path string) *config.GravityConfig {
	return &config.GravityConfig{
		DatabasePath:       path,
		BusyTimeout:        time.Second,
		InitialClients:     4,
		GroupCacheSize:     16,
		PrefilterErrorRate: 0.001,
	}
}

func newTestStore(t *testing.T, path string, opts ...Option) *Store {
	t.Helper()
	store := New(testConfig(path), logging.NewDefault(), opts...)
	t.Cleanup(store.Close)
	return store
}

// stubRegex records every call so tests can assert call ordering and
// per-client enablement without a real regex subsystem.
type stubRegex struct {
	matchDomains map[ListClass][]string
	matchResult  map[ListClass]int
	bits         map[int]map[int]bool
	counts       map[ListClass]int
}

func newStubRegex() *stubRegex {
	return &stubRegex{
		matchDomains: make(map[ListClass][]string),
		matchResult:  make(map[ListClass]int),
		bits:         make(map[int]map[int]bool),
		counts:       make(map[ListClass]int),
	}
}

func (r *stubRegex) Match(domain string, clientID int, class ListClass) int {
	r.matchDomains[class] = append(r.matchDomains[class], domain)
	if result, ok := r.matchResult[class]; ok {
		return result
	}
	return -1
}

func (r *stubRegex) SetClientRegex(clientID, index int, enabled bool) {
	if r.bits[clientID] == nil {
		r.bits[clientID] = make(map[int]bool)
	}
	r.bits[clientID][index] = enabled
}

func (r *stubRegex) Count(class ListClass) int {
	return r.counts[class]
}

// recordingMetrics implements MetricsRecorder for assertions.
type recordingMetrics struct {
	lookups     []string
	verdicts    []string
	reopens     int
	skips       int
	gravitySize int64
}

func (m *recordingMetrics) AddLookup(_ context.Context, list string, hit bool) {
	m.lookups = append(m.lookups, list)
}
func (m *recordingMetrics) AddVerdict(_ context.Context, verdict string) {
	m.verdicts = append(m.verdicts, verdict)
}
func (m *recordingMetrics) AddStoreReopen(_ context.Context)   { m.reopens++ }
func (m *recordingMetrics) AddPrefilterSkip(_ context.Context) { m.skips++ }

func (m *recordingMetrics) SetGravitySize(_ context.Context, n int64) { m.gravitySize = n }

func TestStoreOpenClose(t *testing.T) {
	store := newTestStore(t, createTestDB(t))

	if err := store.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := store.Generation(); got != 1 {
		t.Errorf("Generation() = %d, want 1", got)
	}

	// A second Open is a no-op on the same connection.
	if err := store.Open(); err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if got := store.Generation(); got != 1 {
		t.Errorf("Generation() after repeated Open = %d, want 1", got)
	}

	store.Close()
	store.Close() // safe when already closed
}

func TestStoreOpenMissingFile(t *testing.T) {
	store := newTestStore(t, filepath.Join(t.TempDir(), "does-not-exist.db"))

	err := store.Open()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open() error = %v, want ErrNotFound", err)
	}
}

func TestStoreForkDetection(t *testing.T) {
	pid := 1000
	metrics := &recordingMetrics{}
	store := newTestStore(t, createTestDB(t),
		WithProcessID(func() int { return pid }),
		WithMetrics(metrics),
	)

	client := Client{IP: "192.168.1.99"}
	if !store.InGravity("ads.example.com", 0, client) {
		t.Fatal("expected ads.example.com in gravity before process change")
	}
	if got := store.Generation(); got != 1 {
		t.Fatalf("Generation() = %d, want 1", got)
	}

	// Simulate a fork: the next entry point must drop the inherited
	// handles and reopen under a new generation.
	pid = 1001
	if !store.InGravity("ads.example.com", 0, client) {
		t.Error("expected ads.example.com in gravity after reopen")
	}
	if got := store.Generation(); got != 2 {
		t.Errorf("Generation() after process change = %d, want 2", got)
	}
	if metrics.reopens != 1 {
		t.Errorf("reopens = %d, want 1", metrics.reopens)
	}

	// Stable process identity keeps the generation.
	if !store.InGravity("tracker.example.com", 0, client) {
		t.Error("expected tracker.example.com in gravity")
	}
	if got := store.Generation(); got != 2 {
		t.Errorf("Generation() = %d, want 2", got)
	}
}

func TestStoreInvalidate(t *testing.T) {
	path := createTestDB(t)
	metrics := &recordingMetrics{}
	store := newTestStore(t, path, WithMetrics(metrics))

	client := Client{IP: "192.168.1.99"}
	if !store.InBlacklist("bad.example.com", 0, client) {
		t.Fatal("expected bad.example.com in blacklist")
	}

	// The list builder replaced the file underneath us.
	execTestDB(t, path, "INSERT INTO vw_blacklist VALUES ('worse.example.com', 0, 2);")
	store.Invalidate()

	if !store.InBlacklist("worse.example.com", 0, client) {
		t.Error("expected worse.example.com in blacklist after invalidate")
	}
	if got := store.Generation(); got != 2 {
		t.Errorf("Generation() after invalidate = %d, want 2", got)
	}
	if metrics.reopens != 1 {
		t.Errorf("reopens = %d, want 1", metrics.reopens)
	}
}

func TestStorePrepareFailureFailsOpen(t *testing.T) {
	// A fixture without the whitelist view makes per-client preparation
	// fail. The lookup must degrade to "not listed" instead of erroring.
	path := createTestDB(t)
	execTestDB(t, path, "DROP TABLE vw_whitelist;")
	store := newTestStore(t, path)

	if store.InWhitelist("good.example.com", 0, Client{IP: "192.168.1.99"}) {
		t.Error("expected lookup against broken database to report not whitelisted")
	}
}

func TestSubnetMatch(t *testing.T) {
	tests := []struct {
		spec string
		addr string
		want bool
	}{
		{"192.168.1.50", "192.168.1.50", true},
		{"192.168.1.50", "192.168.1.51", false},
		{"10.0.0.0/8", "10.1.2.3", true},
		{"10.0.0.0/8", "11.1.2.3", false},
		{"192.168.1.50", "::ffff:192.168.1.50", true},
		{"fe80::/10", "fe80::1", true},
		{"fe80::/10", "2001:db8::1", false},
		{"not-an-addr", "192.168.1.50", false},
		{"192.168.1.50", "not-an-addr", false},
	}

	for _, tt := range tests {
		if got := subnetMatch(tt.spec, tt.addr); got != tt.want {
			t.Errorf("subnetMatch(%q, %q) = %v, want %v", tt.spec, tt.addr, got, tt.want)
		}
	}
}

func TestResolveGroups(t *testing.T) {
	store := newTestStore(t, createTestDB(t))

	// No client table entry matches: the universal group applies.
	groups, err := store.ResolveGroups(Client{IP: "172.16.0.1"})
	if err != nil {
		t.Fatalf("ResolveGroups() error = %v", err)
	}
	if groups != "0" {
		t.Errorf("unconfigured client groups = %q, want %q", groups, "0")
	}

	// Configured client with one group association.
	groups, err = store.ResolveGroups(Client{IP: "192.168.1.50"})
	if err != nil {
		t.Fatalf("ResolveGroups() error = %v", err)
	}
	if groups != "5" {
		t.Errorf("configured client groups = %q, want %q", groups, "5")
	}

	// Configured through a subnet entry but with no group associations:
	// the empty set, which matches nothing.
	groups, err = store.ResolveGroups(Client{IP: "10.20.30.40"})
	if err != nil {
		t.Fatalf("ResolveGroups() error = %v", err)
	}
	if groups != "" {
		t.Errorf("groupless client groups = %q, want empty", groups)
	}
}

func TestResolveGroupsCached(t *testing.T) {
	path := createTestDB(t)
	store := newTestStore(t, path)

	if _, err := store.ResolveGroups(Client{IP: "192.168.1.50"}); err != nil {
		t.Fatalf("ResolveGroups() error = %v", err)
	}

	// Change the association behind the cache's back: the cached set must
	// still be served until the store is invalidated.
	execTestDB(t, path, "UPDATE client_by_group SET group_id = 7 WHERE client_id = 1;")

	groups, err := store.ResolveGroups(Client{IP: "192.168.1.50"})
	if err != nil {
		t.Fatalf("ResolveGroups() error = %v", err)
	}
	if groups != "5" {
		t.Errorf("cached groups = %q, want %q", groups, "5")
	}

	store.Invalidate()
	groups, err = store.ResolveGroups(Client{IP: "192.168.1.50"})
	if err != nil {
		t.Fatalf("ResolveGroups() after invalidate error = %v", err)
	}
	if groups != "7" {
		t.Errorf("groups after invalidate = %q, want %q", groups, "7")
	}
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"WWW.Example.COM.", "www.example.com"},
		{"example.com", "example.com"},
		{"UPPER.test", "upper.test"},
		{".", ""},
	}

	for _, tt := range tests {
		if got := Canonicalize(tt.in); got != tt.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
