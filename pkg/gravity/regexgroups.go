package gravity

import (
	"fmt"
)

// RegexClientGroups queries which regex rows of the given regex-group table
// belong to the client's groups and enables the matching entries in the
// client's regex bitset. regexIDs holds the database row IDs of the
// compiled filters in compile order; whitelist entries are indexed past the
// blacklist regex count, since both share one bit array per client.
func (s *Store) RegexClientGroups(client Client, clientID int, regexIDs []int64, class ListClass, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkGeneration()

	groups, err := s.resolveGroups(client)
	if err != nil {
		return err
	}

	if s.regex == nil {
		return nil
	}

	rows, err := s.db.Query(fmt.Sprintf("SELECT id FROM %s WHERE group_id IN (%s);", table, groups))
	if err != nil {
		s.logger.Error("Failed to query regex groups",
			"table", table, "client", client.IP, "error", err)
		s.close()
		return fmt.Errorf("%w: %v", ErrPrepareFailed, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("%w: %v", ErrStepFailed, err)
		}

		for i, regexID := range regexIDs {
			if regexID != id {
				continue
			}

			index := i
			if class == RegexWhitelist {
				index += s.regex.Count(RegexBlacklist)
			}
			s.regex.SetClientRegex(clientID, index, true)

			if s.cfg.Debug {
				s.logger.Debug("Enabling regex filter for client",
					"class", class.String(), "db_id", regexID, "client", client.IP)
			}
			break
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStepFailed, err)
	}
	return nil
}
