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

// knownKeys are the valid top-level keys in the config file.
var knownKeys = map[string]bool{
	// Credentials
	"account_id": true, "application_key": true, "auth_url": true,
	// Transfers
	"upload_workers": true, "timeout": true, "token_lifetime": true,
	"download_auth_duration": true, "ignore_marker": true,
	// Logging
	"log_level": true,
	// Ledger
	"ledger_path": true,
}

// knownKeysList is the sorted slice form of knownKeys. Sorted for
// deterministic suggestions when two candidates have the same edit distance.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	seen := make(map[string]bool)

	for _, key := range undecoded {
		// Only report the top of an unknown table once.
		top := key[0]
		if seen[top] {
			continue
		}

		seen[top] = true

		errs = append(errs, unknownKeyError(key.String(), top))
	}

	return errors.Join(errs...)
}

func unknownKeyError(full, top string) error {
	leaf := full
	if i := strings.LastIndex(full, "."); i >= 0 {
		leaf = full[i+1:]
	}

	if suggestion := closestMatch(leaf, knownKeysList); suggestion != "" {
		return fmt.Errorf("unknown config key %q: did you mean %q?", full, suggestion)
	}

	if suggestion := closestMatch(top, knownKeysList); suggestion != "" {
		return fmt.Errorf("unknown config key %q: did you mean %q?", full, suggestion)
	}

	return fmt.Errorf("unknown config key %q", full)
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
