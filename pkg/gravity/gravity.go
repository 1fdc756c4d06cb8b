// Package gravity implements the list/group decision engine backed by the
// gravity database: per-client prepared lookups against the exact
// whitelist/blacklist/gravity views, group resolution with subnet matching,
// regex-group association, and bulk table access for list consumers.
//
// The database is produced externally by the list-building pipeline and is
// only ever read here. One Store owns one connection generation; any event
// that invalidates native handles (a worker fork, a database file swap)
// drops the cached statements and transparently reopens on the next use.
package gravity

import (
	"context"
	"strings"

	"github.com/miekg/dns"
)

// ListClass indexes the filter-class views of the gravity database.
type ListClass int

const (
	GravityList ListClass = iota
	BlacklistExact
	WhitelistExact
	RegexBlacklist
	RegexWhitelist
	UnknownList
)

// viewNames maps ListClass to the view exposed by the gravity database.
var viewNames = [...]string{
	"vw_gravity",
	"vw_blacklist",
	"vw_whitelist",
	"vw_regex_blacklist",
	"vw_regex_whitelist",
}

// String returns a human-readable name for the list class.
func (c ListClass) String() string {
	switch c {
	case GravityList:
		return "gravity"
	case BlacklistExact:
		return "blacklist"
	case WhitelistExact:
		return "whitelist"
	case RegexBlacklist:
		return "regex_blacklist"
	case RegexWhitelist:
		return "regex_whitelist"
	default:
		return "unknown"
	}
}

// View returns the database view backing this list class, or "" when the
// class is out of range.
func (c ListClass) View() string {
	if c < 0 || c >= UnknownList {
		return ""
	}
	return viewNames[c]
}

// Client identifies a query source. The IP is the textual address the
// client table is matched against; the clientID slot index is assigned by
// the surrounding system and stays stable for the process lifetime.
type Client struct {
	IP string
}

// RegexMatcher is the compiled-regex subsystem consumed by the engine.
// Match returns the index of the first enabled matching filter for the
// client, or -1. SetClientRegex toggles a per-client enablement bit;
// whitelist entries share the client's bit array with blacklist entries,
// occupying the range past Count(RegexBlacklist).
type RegexMatcher interface {
	Match(domain string, clientID int, class ListClass) int
	SetClientRegex(clientID, index int, enabled bool)
	Count(class ListClass) int
}

// MetricsRecorder receives engine metrics. The interface lives here to
// break the import cycle between gravity and telemetry packages.
type MetricsRecorder interface {
	AddLookup(ctx context.Context, list string, hit bool)
	AddVerdict(ctx context.Context, verdict string)
	AddStoreReopen(ctx context.Context)
	AddPrefilterSkip(ctx context.Context)
	SetGravitySize(ctx context.Context, n int64)
}

// Canonicalize lowercases a query name and strips the trailing root dot so
// it can be compared against the stored list domains.
func Canonicalize(name string) string {
	return strings.TrimSuffix(dns.CanonicalName(name), ".")
}
