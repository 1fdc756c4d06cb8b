package gravity

import (
	"context"

	"gravity-well/pkg/policy"
)

// Verdict is the outcome of a composed filtering decision.
type Verdict int

const (
	// VerdictNone means no list or rule matched; the query passes through.
	VerdictNone Verdict = iota
	VerdictAllowedPolicy
	VerdictBlockedPolicy
	VerdictAllowedWhitelist
	VerdictBlockedBlacklist
	VerdictBlockedGravity
	VerdictBlockedRegex
)

// Blocked reports whether the verdict blocks the query.
func (v Verdict) Blocked() bool {
	switch v {
	case VerdictBlockedPolicy, VerdictBlockedBlacklist, VerdictBlockedGravity, VerdictBlockedRegex:
		return true
	}
	return false
}

// String returns a stable label for the verdict, used in logs and metrics.
func (v Verdict) String() string {
	switch v {
	case VerdictNone:
		return "none"
	case VerdictAllowedPolicy:
		return "allowed_policy"
	case VerdictBlockedPolicy:
		return "blocked_policy"
	case VerdictAllowedWhitelist:
		return "allowed_whitelist"
	case VerdictBlockedBlacklist:
		return "blocked_blacklist"
	case VerdictBlockedGravity:
		return "blocked_gravity"
	case VerdictBlockedRegex:
		return "blocked_regex"
	default:
		return "unknown"
	}
}

// CheckDomain composes the filter classes into one decision for a query
// name, in precedence order: policy override, whitelist (exact or regex,
// short-circuited), exact blacklist, gravity, regex blacklist. Each stage
// fails open, so a broken database yields VerdictNone and the query passes
// through unfiltered.
func (s *Store) CheckDomain(qname string, clientID int, client Client) Verdict {
	domain := Canonicalize(qname)

	s.mu.Lock()
	s.checkGeneration()
	verdict := s.checkDomain(domain, clientID, client)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.AddVerdict(context.Background(), verdict.String())
	}
	return verdict
}

func (s *Store) checkDomain(domain string, clientID int, client Client) Verdict {
	if s.policies != nil {
		if rule, ok := s.policies.Evaluate(policy.Env{
			Domain:   domain,
			ClientIP: client.IP,
			ClientID: clientID,
		}); ok {
			if s.cfg.Debug {
				s.logger.Debug("Policy override matched",
					"domain", domain, "rule", rule.Name, "action", string(rule.Action))
			}
			if rule.Action == policy.ActionAllow {
				return VerdictAllowedPolicy
			}
			return VerdictBlockedPolicy
		}
	}

	if s.inWhitelist(domain, clientID, client) {
		return VerdictAllowedWhitelist
	}
	if s.inBlacklist(domain, clientID, client) {
		return VerdictBlockedBlacklist
	}
	if s.inGravity(domain, clientID, client) {
		return VerdictBlockedGravity
	}
	if s.regex != nil && s.regex.Match(domain, clientID, RegexBlacklist) != -1 {
		return VerdictBlockedRegex
	}
	return VerdictNone
}
