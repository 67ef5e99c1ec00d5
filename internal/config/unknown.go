package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownSectionKeys are the valid keys per top-level section.
var knownSectionKeys = map[string][]string{
	"server":    {"base_url", "client_id", "client_secret"},
	"transfers": {"bandwidth_limit", "chunk_size"},
	"crypto":    {"key_pair_version"},
	"logging":   {"log_format", "log_level"},
	"network":   {"connect_timeout", "user_agent"},
}

// knownSections is the sorted section list for Levenshtein matching.
// Sorted for deterministic suggestions when two candidates have the same
// edit distance.
var knownSections = func() []string {
	keys := make([]string, 0, len(knownSectionKeys))
	for k := range knownSectionKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	// An unknown table is reported once, not once per key inside it.
	reported := make(map[string]bool)

	for _, key := range md.Undecoded() {
		section := key[0]
		if _, known := knownSectionKeys[section]; !known {
			if reported[section] {
				continue
			}

			reported[section] = true
		}

		errs = append(errs, buildKeyError(key))
	}

	return errors.Join(errs...)
}

// buildKeyError creates a descriptive error for an undecoded key. A key
// whose section is unknown reports the section; otherwise the leaf.
func buildKeyError(key toml.Key) error {
	section := key[0]

	leaves, ok := knownSectionKeys[section]
	if !ok {
		if suggestion := closestMatch(section, knownSections); suggestion != "" {
			return fmt.Errorf("unknown config section [%s], did you mean [%s]?", section, suggestion)
		}

		return fmt.Errorf("unknown config section [%s]", section)
	}

	if len(key) < 2 {
		return fmt.Errorf("config key %q must be a section", section)
	}

	leaf := strings.Join(key[1:], ".")

	if suggestion := closestMatch(leaf, leaves); suggestion != "" {
		return fmt.Errorf("unknown config key %q in [%s], did you mean %q?", leaf, section, suggestion)
	}

	return fmt.Errorf("unknown config key %q in [%s]", leaf, section)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Use single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
