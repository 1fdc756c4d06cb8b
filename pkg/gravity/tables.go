package gravity

import (
	"fmt"
)

// GetTable starts a bulk read of one list view. GetDomain yields the rows;
// FinalizeTable must be called when done (or after an error) so the single
// database connection is released.
func (s *Store) GetTable(class ListClass) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkGeneration()
	return s.getTable(class)
}

func (s *Store) getTable(class ListClass) error {
	if !s.opened {
		if err := s.open(); err != nil {
			s.logger.Error("Cannot read table, gravity database not available", "class", class.String())
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	if class < 0 || class >= UnknownList {
		s.logger.Error("Requested list is not known", "class", int(class))
		return ErrUnknownList
	}

	// The views include group_id, so a domain in several groups shows up
	// more than once; GROUP BY id folds the duplicates.
	rows, err := s.db.Query(fmt.Sprintf("SELECT domain, id FROM %s GROUP BY id", class.View()))
	if err != nil {
		s.logger.Error("Failed to read table", "view", class.View(), "error", err)
		s.close()
		return fmt.Errorf("%w: %v", ErrPrepareFailed, err)
	}

	s.tableRows = rows
	return nil
}

// GetDomain returns the next domain and its row ID from a running table
// read. ok is false once the table is exhausted or on a read error; this
// path is performance critical as it may run millions of times for large
// blocking lists, so errors are logged rather than returned.
func (s *Store) GetDomain() (domain string, rowid int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getDomain()
}

func (s *Store) getDomain() (string, int64, bool) {
	if s.tableRows == nil {
		return "", -1, false
	}

	if !s.tableRows.Next() {
		if err := s.tableRows.Err(); err != nil {
			s.logger.Error("Table read failed", "error", err)
		}
		return "", -1, false
	}

	var domain string
	var rowid int64
	if err := s.tableRows.Scan(&domain, &rowid); err != nil {
		s.logger.Error("Table row scan failed", "error", err)
		return "", -1, false
	}
	return domain, rowid, true
}

// FinalizeTable ends a bulk table read.
func (s *Store) FinalizeTable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeTable()
}

func (s *Store) finalizeTable() {
	if !s.opened {
		return
	}
	if s.tableRows != nil {
		_ = s.tableRows.Close()
		s.tableRows = nil
	}
}

// Count returns the number of domains in one list class, or CountFailed.
// The gravity count is read from the info table as stored by the list
// builder: counting millions of distinct rows live takes minutes on
// low-end hardware, so it is precomputed at build time. The other classes
// are small enough for a live scan.
func (s *Store) Count(class ListClass) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkGeneration()
	return s.count(class)
}

func (s *Store) count(class ListClass) int64 {
	if !s.opened {
		if err := s.open(); err != nil {
			s.logger.Error("Cannot count domains, gravity database not available", "class", class.String())
			return CountFailed
		}
	}

	if class < 0 || class >= UnknownList {
		s.logger.Error("Requested list is not known", "class", int(class))
		return CountFailed
	}

	query := fmt.Sprintf("SELECT COUNT(DISTINCT domain) FROM %s", class.View())
	if class == GravityList {
		query = "SELECT value FROM info WHERE property = 'gravity_count';"
	}

	if s.cfg.Debug {
		s.logger.Debug("Counting domains", "view", class.View())
	}

	var result int64
	if err := s.db.QueryRow(query).Scan(&result); err != nil {
		s.logger.Error("Domain count failed", "view", class.View(), "error", err)
		if class == GravityList {
			s.logger.Error("Count of gravity domains not available; the list builder has not run")
		}
		s.close()
		return CountFailed
	}

	return result
}
