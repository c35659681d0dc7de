package credstore

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
)

// EvaluateAccess checks method/userID against the configured access rules
// at the given instant. It iterates enabled rules; the first whose time
// window contains now requires method to be allowed and userID not to be
// restricted. If no rule matches, the default is allow. Any unexpected
// error (e.g. a malformed time string) fails open and is logged, matching
// the donor credential store's fail-open philosophy for access checks.
func (s *Store) EvaluateAccess(method, userID string, now time.Time) (allowed bool, reason string) {
	s.settingsMu.Lock()
	rules := append([]AccessRule(nil), s.settings.AccessRules...)
	s.settingsMu.Unlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		inWindow, err := windowContains(rule.StartTime, rule.EndTime, now)
		if err != nil {
			log.Printf("credstore: rule %q has invalid time window, failing open: %v", rule.Name, err)
			return true, ""
		}
		if !inWindow {
			continue
		}

		if !contains(rule.AllowedMethods, method) {
			return false, fmt.Sprintf("method_not_allowed_%s", rule.Name)
		}
		if contains(rule.RestrictedUsers, userID) {
			return false, fmt.Sprintf("user_restricted_%s", rule.Name)
		}
		return true, ""
	}
	return true, ""
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// windowContains reports whether now's local time-of-day falls within
// [start, end), wrapping past midnight when start > end.
func windowContains(start, end string, now time.Time) (bool, error) {
	startMin, err := parseHHMM(start)
	if err != nil {
		return false, err
	}
	endMin, err := parseHHMM(end)
	if err != nil {
		return false, err
	}

	nowMin := now.Hour()*60 + now.Minute()

	if startMin <= endMin {
		return nowMin >= startMin && nowMin < endMin, nil
	}
	// wraps midnight
	return nowMin >= startMin || nowMin < endMin, nil
}

func parseHHMM(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q: %w", s, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid minute in %q: %w", s, err)
	}
	return h*60 + m, nil
}
