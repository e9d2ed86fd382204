package minersession

import (
	"regexp"
	"strconv"
)

var minDifficultyPattern = regexp.MustCompile(`(?i);md=(\d+)(?:;|$)`)

// ParsePassword extracts an embedded `;md=<integer>;` minimum-difficulty
// directive from a mining.authorize password, per spec §4.4: case
// insensitive, trailing `;` optional at string end, first match wins,
// invalid numerics are treated as absent rather than failing the session.
// It returns the password with the directive stripped, the parsed minimum
// difficulty, and whether one was present at all.
func ParsePassword(password string) (stripped string, minDifficulty float64, hasMin bool) {
	loc := minDifficultyPattern.FindStringSubmatchIndex(password)
	if loc == nil {
		return password, 0, false
	}

	numStr := password[loc[2]:loc[3]]
	n, err := strconv.ParseUint(numStr, 10, 64)
	if err != nil {
		// \d+ guarantees digits, but guard anyway: password parsing never
		// fails the session, it just ignores the directive.
		return password, 0, false
	}

	stripped = password[:loc[0]] + password[loc[1]:]
	return stripped, float64(n), true
}
