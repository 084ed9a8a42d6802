package rabbit

import (
	"fmt"
	"strings"
)

const (
	maxRoutingKeyLen = 255 // AMQP shortstr

	wordWildcard  = "*"
	multiWildcard = "#"
)

// Validate routing key used for publishing.
//
// Routing key must not be empty and must not contain empty words, e.g., 'audit..create'.
func ValidateRoutingKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: routing key is empty", ErrInvalidRoutingKey)
	}
	if len(key) > maxRoutingKeyLen {
		return fmt.Errorf("%w: routing key exceeds %d bytes", ErrInvalidRoutingKey, maxRoutingKeyLen)
	}
	for _, w := range strings.Split(key, ".") {
		if w == "" {
			return fmt.Errorf("%w: '%s' contains empty word", ErrInvalidRoutingKey, key)
		}
	}
	return nil
}

// Validate binding pattern.
//
// Besides the rules of ValidateRoutingKey, wildcards must be whole words, e.g., 'audit.*' is valid, 'audit.cr*' is not.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: pattern is empty", ErrInvalidPattern)
	}
	if len(pattern) > maxRoutingKeyLen {
		return fmt.Errorf("%w: pattern exceeds %d bytes", ErrInvalidPattern, maxRoutingKeyLen)
	}
	for _, w := range strings.Split(pattern, ".") {
		if w == "" {
			return fmt.Errorf("%w: '%s' contains empty word", ErrInvalidPattern, pattern)
		}
		if w != wordWildcard && w != multiWildcard && strings.ContainsAny(w, "*#") {
			return fmt.Errorf("%w: wildcard in '%s' must be a whole word", ErrInvalidPattern, pattern)
		}
	}
	return nil
}

// Check whether routing key matches the binding pattern using topic exchange rules.
//
// Words are separated by '.', '*' matches exactly one word, '#' matches zero or more words.
//
//	MatchRoutingKey("audit.*", "audit.create")       // true
//	MatchRoutingKey("audit.*", "audit.create.extra") // false
//	MatchRoutingKey("audit.#", "audit")              // true
func MatchRoutingKey(pattern string, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern []string, key []string) bool {
	for len(pattern) > 0 {
		p := pattern[0]
		if p == multiWildcard {
			rest := pattern[1:]
			// consecutive '#' are equivalent to one
			for len(rest) > 0 && rest[0] == multiWildcard {
				rest = rest[1:]
			}
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(rest, key[i:]) {
					return true
				}
			}
			return false
		}

		if len(key) == 0 {
			return false
		}
		if p != wordWildcard && p != key[0] {
			return false
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}
