// Package password implements the strength policy applied to every new
// administrator password.
package password

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/jmcleod/shelfguard/internal/util"
)

// Strength is the banded score of a password.
type Strength string

const (
	Weak       Strength = "weak"
	Medium     Strength = "medium"
	Strong     Strength = "strong"
	VeryStrong Strength = "very-strong"
)

// Policy holds the tunable rules.
type Policy struct {
	MinLength  int
	MinSpecial int
	Denylist   []string
}

// DefaultDenylist holds common substrings matched case-insensitively.
var DefaultDenylist = []string{
	"password", "passw0rd", "admin", "qwerty", "letmein", "welcome",
	"123456", "abc123", "iloveyou", "monkey", "dragon", "master",
	"shelfguard", "changeme",
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{MinLength: 12, MinSpecial: 1, Denylist: DefaultDenylist}
}

// Result is the outcome of Validate. Strength is computed even when the
// password is invalid so callers can give feedback.
type Result struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors"`
	Strength Strength `json:"strength"`
	Score    int      `json:"score"`
}

// Validate checks pw against the default policy.
func Validate(pw string) Result {
	return DefaultPolicy().Validate(pw)
}

// Validate checks pw against p.
func (p Policy) Validate(pw string) Result {
	pw = util.Normalize(pw)
	runes := []rune(pw)
	errs := []string{}
	score := 0

	n := len(runes)
	if n < p.MinLength {
		errs = append(errs, fmt.Sprintf("must be at least %d characters", p.MinLength))
	}
	switch {
	case n >= 20:
		score += 5
	case n >= 16:
		score += 4
	case n >= 12:
		score += 2
	}

	var upper, lower, digit, special int
	for _, r := range runes {
		switch {
		case unicode.IsUpper(r):
			upper++
		case unicode.IsLower(r):
			lower++
		case unicode.IsDigit(r):
			digit++
		case !unicode.IsSpace(r):
			special++
		}
	}
	classes := []struct {
		count int
		min   int
		msg   string
	}{
		{upper, 1, "must contain an uppercase letter"},
		{lower, 1, "must contain a lowercase letter"},
		{digit, 1, "must contain a digit"},
		{special, p.MinSpecial, fmt.Sprintf("must contain at least %d special character(s)", p.MinSpecial)},
	}
	for _, c := range classes {
		if c.count > 0 {
			score++
		}
		if c.count < c.min {
			errs = append(errs, c.msg)
		}
	}
	if special >= 2 {
		score++
	}

	lowered := strings.ToLower(pw)
	for _, word := range p.Denylist {
		if strings.Contains(lowered, word) {
			errs = append(errs, fmt.Sprintf("must not contain the common sequence %q", word))
			score -= 2
		}
	}

	if hasRepeatRun(runes) {
		errs = append(errs, "must not repeat a character more than twice in a row")
		score--
	}
	if hasAscendingRun([]rune(lowered)) {
		errs = append(errs, "must not contain sequential characters such as abc or 123")
		score--
	}

	if score < 0 {
		score = 0
	}
	return Result{
		IsValid:  len(errs) == 0,
		Errors:   errs,
		Strength: band(score),
		Score:    score,
	}
}

func band(score int) Strength {
	switch {
	case score >= 8:
		return VeryStrong
	case score >= 6:
		return Strong
	case score >= 4:
		return Medium
	default:
		return Weak
	}
}

// hasRepeatRun reports three or more identical characters in a row.
func hasRepeatRun(rs []rune) bool {
	for i := 2; i < len(rs); i++ {
		if rs[i] == rs[i-1] && rs[i] == rs[i-2] {
			return true
		}
	}
	return false
}

// hasAscendingRun reports an ascending triple of digits or of letters.
// Input is expected to be lowercased.
func hasAscendingRun(rs []rune) bool {
	for i := 2; i < len(rs); i++ {
		a, b, c := rs[i-2], rs[i-1], rs[i]
		if !sameClass(a, b, c) {
			continue
		}
		if b == a+1 && c == b+1 {
			return true
		}
	}
	return false
}

func sameClass(a, b, c rune) bool {
	digits := isASCIIDigit(a) && isASCIIDigit(b) && isASCIIDigit(c)
	letters := isASCIILetter(a) && isASCIILetter(b) && isASCIILetter(c)
	return digits || letters
}

func isASCIIDigit(r rune) bool  { return r >= '0' && r <= '9' }
func isASCIILetter(r rune) bool { return r >= 'a' && r <= 'z' }
