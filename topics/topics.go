// Package topics implements hierarchical topic matching for pub/sub routing.
//
// Topics are '/'-separated strings. Subscription filters may use two
// wildcards: '+' matches exactly one level, '#' matches any number of
// trailing levels (including none) and is only valid as the final level.
package topics

import (
	"fmt"
	"strings"
)

// Match reports whether topic matches the subscription filter.
//
// Matching is level by level: a literal filter level must equal the topic
// level exactly, '+' accepts any single level, and a trailing '#' accepts
// the rest of the topic, empty included. Outside of '#' the level counts
// must agree, so "a/+" does not match "a".
//
// Match is pure and allocation-free. Dispatch calls it once per registered
// filter for every inbound message.
func Match(filter, topic string) bool {
	fi, ti := 0, 0
	fn, tn := len(filter), len(topic)

	for fi <= fn {
		fLevel, fNext := nextLevel(filter, fi, fn)

		if fLevel == "#" {
			// Trailing multi-level wildcard swallows whatever remains,
			// including nothing at all.
			return true
		}

		// Filter has levels left but the topic is exhausted.
		if ti > tn {
			return false
		}

		tLevel, tNext := nextLevel(topic, ti, tn)

		if fLevel != "+" && fLevel != tLevel {
			return false
		}

		fi = fNext
		ti = tNext
	}

	// Both strings must be consumed together.
	return ti > tn
}

// nextLevel returns the level starting at i and the index just past its
// separator. A return index of n+1 marks the string as consumed.
func nextLevel(s string, i, n int) (string, int) {
	if idx := strings.IndexByte(s[i:], '/'); idx >= 0 {
		return s[i : i+idx], i + idx + 1
	}
	return s[i:], n + 1
}

// ValidateFilter checks that filter is a well-formed subscription filter.
// Wildcards must occupy a whole level and '#' must be the final level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("topic filter cannot be empty")
	}
	if strings.ContainsRune(filter, 0) {
		return fmt.Errorf("topic filter contains null byte")
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "+") && level != "+" {
			return fmt.Errorf("single-level wildcard '+' must occupy an entire level")
		}
		if strings.Contains(level, "#") {
			if level != "#" {
				return fmt.Errorf("multi-level wildcard '#' must occupy an entire level")
			}
			if i != len(levels)-1 {
				return fmt.Errorf("multi-level wildcard '#' must be the final level")
			}
		}
	}
	return nil
}

// ValidateName checks that topic is a well-formed concrete topic name.
// Publish topics carry no wildcards.
func ValidateName(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	if strings.ContainsRune(topic, 0) {
		return fmt.Errorf("topic contains null byte")
	}
	if strings.Contains(topic, "+") {
		return fmt.Errorf("topic contains wildcard '+' which is not allowed when publishing")
	}
	if strings.Contains(topic, "#") {
		return fmt.Errorf("topic contains wildcard '#' which is not allowed when publishing")
	}
	return nil
}
