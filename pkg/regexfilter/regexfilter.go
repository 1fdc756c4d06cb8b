// Package regexfilter holds the compiled regex filter sets and their
// per-client enablement state. Filters come from the gravity database's
// regex views; which filters apply to which client is decided by group
// membership, bound through the store's regex-group query.
package regexfilter

import (
	"regexp"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"gravity-well/pkg/gravity"
	"gravity-well/pkg/logging"
)

// Entry is one compiled filter. DBID is the database row ID used when
// binding group membership.
type Entry struct {
	DBID    int64
	Pattern string
	re      *regexp.Regexp
}

// Matcher implements gravity.RegexMatcher. Blacklist and whitelist
// entries share one bit array per client: blacklist filters occupy the
// low indices, whitelist filters the range past Count(RegexBlacklist).
type Matcher struct {
	mu        sync.RWMutex
	logger    *logging.Logger
	blacklist []Entry
	whitelist []Entry
	perClient []*bitset.BitSet
}

// NewMatcher creates an empty matcher.
func NewMatcher(logger *logging.Logger) *Matcher {
	return &Matcher{logger: logger}
}

// LoadFromStore re-reads and compiles both regex views. All per-client
// enablement bits are dropped; callers re-bind clients afterwards.
func (m *Matcher) LoadFromStore(store *gravity.Store) error {
	blacklist, err := m.loadClass(store, gravity.RegexBlacklist)
	if err != nil {
		return err
	}
	whitelist, err := m.loadClass(store, gravity.RegexWhitelist)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.blacklist = blacklist
	m.whitelist = whitelist
	m.perClient = nil
	m.mu.Unlock()

	m.logger.Info("Regex filters loaded",
		"blacklist", len(blacklist), "whitelist", len(whitelist))
	return nil
}

func (m *Matcher) loadClass(store *gravity.Store, class gravity.ListClass) ([]Entry, error) {
	if err := store.GetTable(class); err != nil {
		return nil, err
	}
	defer store.FinalizeTable()

	var entries []Entry
	for {
		pattern, rowid, ok := store.GetDomain()
		if !ok {
			break
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			// A broken filter must not take the rest down; skip it.
			m.logger.Warn("Skipping invalid regex filter",
				"class", class.String(), "pattern", pattern, "error", err)
			continue
		}
		entries = append(entries, Entry{DBID: rowid, Pattern: pattern, re: re})
	}
	return entries, nil
}

// DBIDs returns the database row IDs of the compiled filters of one class,
// in compile order. This is the regexIDs argument for the store's
// regex-group binding.
func (m *Matcher) DBIDs(class gravity.ListClass) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.entries(class)
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.DBID
	}
	return ids
}

func (m *Matcher) entries(class gravity.ListClass) []Entry {
	if class == gravity.RegexWhitelist {
		return m.whitelist
	}
	return m.blacklist
}

// Count returns the number of compiled filters of one class.
func (m *Matcher) Count(class gravity.ListClass) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries(class))
}

// SetClientRegex toggles one enablement bit for a client. The index space
// covers blacklist filters first, then whitelist filters.
func (m *Matcher) SetClientRegex(clientID, index int, enabled bool) {
	if clientID < 0 || index < 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for clientID >= len(m.perClient) {
		m.perClient = append(m.perClient, nil)
	}
	if m.perClient[clientID] == nil {
		m.perClient[clientID] = bitset.New(uint(len(m.blacklist) + len(m.whitelist)))
	}
	m.perClient[clientID].SetTo(uint(index), enabled)
}

// Match returns the index of the first filter of the class that is enabled
// for the client and matches the domain, or -1. Filters never bound for
// the client are skipped.
func (m *Matcher) Match(domain string, clientID int, class gravity.ListClass) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if clientID < 0 || clientID >= len(m.perClient) || m.perClient[clientID] == nil {
		return -1
	}
	bits := m.perClient[clientID]

	offset := 0
	if class == gravity.RegexWhitelist {
		offset = len(m.blacklist)
	}

	for i, entry := range m.entries(class) {
		if !bits.Test(uint(offset + i)) {
			continue
		}
		if entry.re.MatchString(domain) {
			return i
		}
	}
	return -1
}

// BindClient resolves the client's groups and enables the filters whose
// groups include it, for both classes.
func (m *Matcher) BindClient(store *gravity.Store, clientID int, client gravity.Client) error {
	if err := store.RegexClientGroups(client, clientID, m.DBIDs(gravity.RegexBlacklist),
		gravity.RegexBlacklist, "vw_regex_blacklist"); err != nil {
		return err
	}
	return store.RegexClientGroups(client, clientID, m.DBIDs(gravity.RegexWhitelist),
		gravity.RegexWhitelist, "vw_regex_whitelist")
}
