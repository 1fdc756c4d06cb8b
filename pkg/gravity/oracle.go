package gravity

import (
	"context"
	"database/sql"
)

// domainInList runs one existence probe against a prepared statement.
// Contention is not an error here: a busy database means the list rebuild
// is writing, and the lookup degrades to "not listed" rather than stalling
// the query path. The driver resets the statement and clears its bindings
// after Scan, so it is immediately reusable for the next domain.
func (s *Store) domainInList(domain string, stmt *sql.Stmt, listname string, args ...any) bool {
	if !s.opened {
		if err := s.open(); err != nil {
			s.logger.Error("Gravity database not available for lookup",
				"domain", domain, "list", listname)
			return false
		}
	}
	if stmt == nil {
		return false
	}

	if len(args) == 0 {
		args = []any{domain}
	}

	var exists int
	err := stmt.QueryRow(args...).Scan(&exists)
	switch {
	case err == sql.ErrNoRows:
		return false
	case isBusy(err):
		s.logger.Warn("Gravity database is busy, assuming domain is not on list",
			"domain", domain, "list", listname)
		return false
	case err != nil:
		s.logger.Error("List lookup failed",
			"domain", domain, "list", listname, "error", err)
		return false
	}

	if s.cfg.Debug {
		s.logger.Debug("List lookup", "domain", domain, "list", listname, "exists", exists)
	}
	if s.metrics != nil {
		s.metrics.AddLookup(context.Background(), listname, exists == 1)
	}

	return exists == 1
}

// ensureClientReady returns the cached statement for one class, lazily
// preparing the client's statements when the slot is empty. A nil return
// means the database is unavailable; callers fail open to "not matched".
func (s *Store) ensureClientReady(vec func() []*sql.Stmt, clientID int, client Client) *sql.Stmt {
	stmt := s.clientStmt(vec(), clientID)
	if stmt != nil {
		return stmt
	}
	if err := s.prepareClientStatements(clientID, client); err != nil {
		return nil
	}
	// Re-read the slot: preparation may have grown the vectors.
	return s.clientStmt(vec(), clientID)
}

// InWhitelist reports whether the domain is whitelisted for the client,
// either by exact match or by a whitelist regex enabled for the client's
// groups. The regex evaluation runs only when the exact lookup missed:
// the exact probe is cheaper and statistically far more likely to hit, so
// the ordering is a contract, not a convenience.
func (s *Store) InWhitelist(domain string, clientID int, client Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkGeneration()
	return s.inWhitelist(domain, clientID, client)
}

func (s *Store) inWhitelist(domain string, clientID int, client Client) bool {
	stmt := s.ensureClientReady(func() []*sql.Stmt { return s.whitelistStmt }, clientID, client)
	if stmt == nil {
		s.logger.Error("Gravity database not available, assuming domain is not whitelisted",
			"domain", domain)
		return false
	}

	if s.domainInList(domain, stmt, "whitelist") {
		return true
	}
	if s.regex != nil {
		return s.regex.Match(domain, clientID, RegexWhitelist) != -1
	}
	return false
}

// InBlacklist reports whether the domain is exactly blacklisted for the
// client. Regex blacklist entries have different precedence semantics and
// are consulted by the caller separately.
func (s *Store) InBlacklist(domain string, clientID int, client Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkGeneration()
	return s.inBlacklist(domain, clientID, client)
}

func (s *Store) inBlacklist(domain string, clientID int, client Client) bool {
	stmt := s.ensureClientReady(func() []*sql.Stmt { return s.blacklistStmt }, clientID, client)
	if stmt == nil {
		s.logger.Error("Gravity database not available, assuming domain is not blacklisted",
			"domain", domain)
		return false
	}
	return s.domainInList(domain, stmt, "blacklist")
}

// InGravity reports whether the domain is in the gravity blocklist for the
// client. When the bloom prefilter is active, a definite miss skips the
// database probe entirely.
func (s *Store) InGravity(domain string, clientID int, client Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkGeneration()
	return s.inGravity(domain, clientID, client)
}

func (s *Store) inGravity(domain string, clientID int, client Client) bool {
	if s.prefilter != nil && s.prefilter.definiteMiss(domain) {
		if s.metrics != nil {
			s.metrics.AddPrefilterSkip(context.Background())
		}
		return false
	}

	stmt := s.ensureClientReady(func() []*sql.Stmt { return s.gravityStmt }, clientID, client)
	if stmt == nil {
		s.logger.Error("Gravity database not available, assuming domain is not gravity blocked",
			"domain", domain)
		return false
	}
	return s.domainInList(domain, stmt, "gravity")
}

// InAuditlist reports whether the domain is covered by the audit list.
// Audit entries are process-wide (no client/group scoping) and support the
// three wildcard pattern forms documented on auditQuery. A missing audit
// statement means "not audited", never a failure.
func (s *Store) InAuditlist(domain string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkGeneration()

	if s.auditStmt == nil {
		return false
	}
	return s.domainInList(domain, s.auditStmt, "auditlist", sql.Named("input", domain))
}
