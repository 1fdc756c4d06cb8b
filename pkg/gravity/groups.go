package gravity

import (
	"database/sql"
	"fmt"
)

// resolveGroups derives the comma-joined set of group IDs applicable to a
// client. Unconfigured clients (no client table entry matches their
// address) get the universal group "0". A configured client with no group
// associations gets the empty set, which matches no list entries at all.
//
// When several client table subnets match the same address, the first row
// wins; the order among them is unspecified.
func (s *Store) resolveGroups(client Client) (string, error) {
	if groups, ok := s.groupCache.Get(client.IP); ok {
		return groups, nil
	}

	if !s.opened {
		if err := s.open(); err != nil {
			s.logger.Error("Cannot resolve client groups, gravity database not available", "client", client.IP)
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	if s.cfg.Debug {
		s.logger.Debug("Querying gravity database for client", "client", client.IP)
	}

	// Is the client configured through the client table at all?
	var configured int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM client WHERE subnet_match(ip, ?) = 1;",
		client.IP,
	).Scan(&configured)
	if err != nil {
		s.logger.Error("Client table lookup failed", "client", client.IP, "error", err)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if configured == 0 {
		// No record for this client; it qualifies for the universal group.
		s.groupCache.Add(client.IP, "0")
		return "0", nil
	}

	// GROUP_CONCAT joins all associated group IDs with ','. The order of
	// the concatenated elements is arbitrary and of no relevance here.
	var groups sql.NullString
	err = s.db.QueryRow(
		"SELECT GROUP_CONCAT(group_id) FROM client_by_group WHERE client_id = "+
			"(SELECT id FROM client WHERE subnet_match(ip, ?) = 1 LIMIT 1);",
		client.IP,
	).Scan(&groups)
	switch {
	case err == sql.ErrNoRows:
		// Configured but no group associations.
		s.groupCache.Add(client.IP, "")
		return "", nil
	case err != nil:
		s.logger.Error("Client group lookup failed", "client", client.IP, "error", err)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	result := ""
	if groups.Valid {
		result = groups.String
	}
	s.groupCache.Add(client.IP, result)
	return result, nil
}

// ResolveGroups is the exported form of group resolution, used by tests and
// by list administration tooling.
func (s *Store) ResolveGroups(client Client) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkGeneration()
	return s.resolveGroups(client)
}
