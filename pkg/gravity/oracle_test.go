package gravity

import (
	"testing"

	"gravity-well/pkg/logging"
)

func TestListLookupGroupScoping(t *testing.T) {
	store := newTestStore(t, createTestDB(t))

	// An unconfigured client sees only the universal group.
	anon := Client{IP: "172.16.0.1"}
	if !store.InGravity("ads.example.com", 0, anon) {
		t.Error("expected ads.example.com gravity-blocked for unconfigured client")
	}
	if store.InGravity("lan-only.example.com", 0, anon) {
		t.Error("lan-only.example.com is in group 5 only, unconfigured client must not see it")
	}
	if !store.InBlacklist("bad.example.com", 0, anon) {
		t.Error("expected bad.example.com blacklisted for unconfigured client")
	}
	if !store.InWhitelist("good.example.com", 0, anon) {
		t.Error("expected good.example.com whitelisted for unconfigured client")
	}

	// A configured client sees exactly its own groups, not the universal one.
	lan := Client{IP: "192.168.1.50"}
	if !store.InGravity("lan-only.example.com", 1, lan) {
		t.Error("expected lan-only.example.com gravity-blocked for group-5 client")
	}
	if store.InGravity("ads.example.com", 1, lan) {
		t.Error("ads.example.com is in group 0 only, group-5 client must not see it")
	}
	if !store.InWhitelist("lan-good.example.com", 1, lan) {
		t.Error("expected lan-good.example.com whitelisted for group-5 client")
	}

	// A configured client with no groups matches nothing at all.
	empty := Client{IP: "10.20.30.40"}
	if store.InGravity("ads.example.com", 2, empty) {
		t.Error("groupless client must not match any gravity entry")
	}
	if store.InBlacklist("bad.example.com", 2, empty) {
		t.Error("groupless client must not match any blacklist entry")
	}
}

func TestListLookupUnknownDomain(t *testing.T) {
	store := newTestStore(t, createTestDB(t))
	client := Client{IP: "172.16.0.1"}

	if store.InGravity("unlisted.example.com", 0, client) {
		t.Error("unlisted domain must not be gravity-blocked")
	}
	if store.InBlacklist("unlisted.example.com", 0, client) {
		t.Error("unlisted domain must not be blacklisted")
	}
	if store.InWhitelist("unlisted.example.com", 0, client) {
		t.Error("unlisted domain must not be whitelisted")
	}
}

func TestWhitelistExactBeforeRegex(t *testing.T) {
	regex := newStubRegex()
	store := newTestStore(t, createTestDB(t), WithRegexMatcher(regex))
	client := Client{IP: "172.16.0.1"}

	// Exact hit: the regex whitelist must never be consulted.
	if !store.InWhitelist("good.example.com", 0, client) {
		t.Fatal("expected exact whitelist hit")
	}
	if n := len(regex.matchDomains[RegexWhitelist]); n != 0 {
		t.Errorf("regex whitelist consulted %d times after exact hit, want 0", n)
	}

	// Exact miss: the regex whitelist decides.
	regex.matchResult[RegexWhitelist] = 0
	if !store.InWhitelist("regex-only.example.com", 0, client) {
		t.Error("expected regex whitelist hit after exact miss")
	}
	if n := len(regex.matchDomains[RegexWhitelist]); n != 1 {
		t.Errorf("regex whitelist consulted %d times, want 1", n)
	}
}

func TestAuditlistWildcards(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		domain  string
		want    bool
	}{
		{"exact matches itself", "google.de", "google.de", true},
		{"exact does not match subdomain", "google.de", "www.google.de", false},
		{"dot wildcard matches subdomain", "*.google.de", "www.google.de", true},
		{"dot wildcard does not match apex", "*.google.de", "google.de", false},
		{"bare wildcard matches apex", "*google.de", "google.de", true},
		{"bare wildcard matches subdomain", "*google.de", "www.google.de", true},
		{"bare wildcard matches suffix", "*google.de", "abcgoogle.de", true},
		{"unrelated domain", "*.google.de", "example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := createTestDB(t)
			execTestDB(t, path, "INSERT INTO domain_audit (domain) VALUES ('"+tt.pattern+"');")
			store := newTestStore(t, path)

			if got := store.InAuditlist(tt.domain); got != tt.want {
				t.Errorf("InAuditlist(%q) with pattern %q = %v, want %v",
					tt.domain, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestPrefilterSkipsDefiniteMisses(t *testing.T) {
	path := createTestDB(t)
	metrics := &recordingMetrics{}

	cfg := testConfig(path)
	cfg.Prefilter = true
	store := New(cfg, logging.NewDefault(), WithMetrics(metrics))
	t.Cleanup(store.Close)

	if err := store.RebuildPrefilter(); err != nil {
		t.Fatalf("RebuildPrefilter() error = %v", err)
	}
	if metrics.gravitySize != 3 {
		t.Errorf("gravity size after rebuild = %d, want 3", metrics.gravitySize)
	}

	client := Client{IP: "172.16.0.1"}

	// Listed domains still reach the database probe.
	if !store.InGravity("ads.example.com", 0, client) {
		t.Error("expected ads.example.com gravity-blocked with prefilter active")
	}
	if metrics.skips != 0 {
		t.Errorf("skips after hit = %d, want 0", metrics.skips)
	}

	// A definite miss never touches the database.
	if store.InGravity("definitely-not-listed.example.org", 0, client) {
		t.Error("unlisted domain must not be gravity-blocked")
	}
	if metrics.skips != 1 {
		t.Errorf("skips after definite miss = %d, want 1", metrics.skips)
	}
}

func TestLookupMetrics(t *testing.T) {
	metrics := &recordingMetrics{}
	store := newTestStore(t, createTestDB(t), WithMetrics(metrics))
	client := Client{IP: "172.16.0.1"}

	store.InGravity("ads.example.com", 0, client)
	store.InBlacklist("bad.example.com", 0, client)
	store.InWhitelist("good.example.com", 0, client)

	want := []string{"gravity", "blacklist", "whitelist"}
	if len(metrics.lookups) != len(want) {
		t.Fatalf("recorded %d lookups, want %d: %v", len(metrics.lookups), len(want), metrics.lookups)
	}
	for i, list := range want {
		if metrics.lookups[i] != list {
			t.Errorf("lookup[%d] = %q, want %q", i, metrics.lookups[i], list)
		}
	}
}
