package gravity

import (
	"database/sql"
	"fmt"
)

// clientQuery builds the per-client existence probe for one list view,
// restricted to the client's groups. SELECT EXISTS is used deliberately:
// it returns as soon as the first row is seen and is known to use the
// domain index efficiently.
func clientQuery(view, groups string) string {
	return fmt.Sprintf(
		"SELECT EXISTS(SELECT domain FROM %s WHERE domain = ? AND group_id IN (%s));",
		view, groups,
	)
}

// ensureClientSlot grows the per-client statement vectors so clientID is a
// valid index. Existing entries keep their positions; the vectors never
// shrink while the store is open.
func (s *Store) ensureClientSlot(clientID int) {
	if clientID < 0 {
		return
	}
	need := clientID + 1
	for need > len(s.whitelistStmt) {
		s.whitelistStmt = append(s.whitelistStmt, nil)
		s.blacklistStmt = append(s.blacklistStmt, nil)
		s.gravityStmt = append(s.gravityStmt, nil)
	}
}

// clientStmt returns the cached statement for one class, or nil when the
// slot has not been prepared (or does not exist yet).
func (s *Store) clientStmt(vec []*sql.Stmt, clientID int) *sql.Stmt {
	if clientID < 0 || clientID >= len(vec) {
		return nil
	}
	return vec[clientID]
}

// PrepareClientStatements resolves the client's groups and prepares the
// three class-specific lookup statements for its slot.
func (s *Store) PrepareClientStatements(clientID int, client Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkGeneration()
	return s.prepareClientStatements(clientID, client)
}

func (s *Store) prepareClientStatements(clientID int, client Client) error {
	if !s.opened {
		if err := s.open(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	if s.cfg.Debug {
		s.logger.Debug("Initializing list statements for client", "client", client.IP, "client_id", clientID)
	}

	groups, err := s.resolveGroups(client)
	if err != nil {
		return err
	}

	s.ensureClientSlot(clientID)

	for _, target := range []struct {
		class ListClass
		vec   []*sql.Stmt
	}{
		{WhitelistExact, s.whitelistStmt},
		{GravityList, s.gravityStmt},
		{BlacklistExact, s.blacklistStmt},
	} {
		query := clientQuery(target.class.View(), groups)
		stmt, err := s.db.Prepare(query)
		if err != nil {
			// A database that cannot serve one class cannot be trusted for
			// any other client either; poison the whole cache.
			s.logger.Error("Failed to prepare client list statement",
				"view", target.class.View(), "client", client.IP, "error", err)
			s.close()
			return fmt.Errorf("%w: %v", ErrPrepareFailed, err)
		}
		target.vec[clientID] = stmt
	}

	return nil
}

// finalizeClientStatements closes every non-nil per-client statement and
// resets its slot, so a slot is either valid-for-query or nil.
func (s *Store) finalizeClientStatements() {
	for clientID := range s.whitelistStmt {
		s.finalizeClient(clientID)
	}
}

func (s *Store) finalizeClient(clientID int) {
	if stmt := s.clientStmt(s.whitelistStmt, clientID); stmt != nil {
		_ = stmt.Close()
		s.whitelistStmt[clientID] = nil
	}
	if stmt := s.clientStmt(s.blacklistStmt, clientID); stmt != nil {
		_ = stmt.Close()
		s.blacklistStmt[clientID] = nil
	}
	if stmt := s.clientStmt(s.gravityStmt, clientID); stmt != nil {
		_ = stmt.Close()
		s.gravityStmt[clientID] = nil
	}
}

// DropClient finalizes one client's statements, freeing its slot for
// re-preparation (used when the surrounding system forgets a client).
func (s *Store) DropClient(clientID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return
	}
	s.finalizeClient(clientID)
}
