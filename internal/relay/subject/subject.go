// Package subject validates and matches hierarchical dotted subjects.
//
// A subject is a non-empty dotted string of up to 16 tokens. Literal
// tokens match [A-Za-z0-9_-]+. Patterns additionally allow "*" (exactly
// one token) and ">" (one-or-more remaining tokens, last position only).
// Endpoint subjects never contain wildcards.
package subject

import (
	"fmt"
	"strings"
)

// MaxTokens bounds subject depth. Matching walks token slices in
// lockstep, so this also bounds the work per match.
const MaxTokens = 16

const (
	// TokenAny matches exactly one token at its position.
	TokenAny = "*"
	// TokenTail matches one or more remaining tokens. Must be last.
	TokenTail = ">"
)

// ValidationError describes why a subject was rejected.
type ValidationError struct {
	Subject string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid subject %q: %s", e.Subject, e.Message)
}

// Code returns the stable error code for API surfaces.
func (e *ValidationError) Code() string { return "INVALID_SUBJECT" }

// Validate checks a subject or pattern string.
// It is a pure function: the only outcome is a nil or non-nil error.
func Validate(s string) error {
	if s == "" {
		return &ValidationError{Subject: s, Message: "subject is empty"}
	}

	tokens := strings.Split(s, ".")
	if len(tokens) > MaxTokens {
		return &ValidationError{Subject: s, Message: fmt.Sprintf("more than %d tokens", MaxTokens)}
	}

	for i, tok := range tokens {
		switch tok {
		case "":
			return &ValidationError{Subject: s, Message: "empty token"}
		case TokenAny:
			continue
		case TokenTail:
			if i != len(tokens)-1 {
				return &ValidationError{Subject: s, Message: `">" must be the last token`}
			}
		default:
			if !literalToken(tok) {
				return &ValidationError{Subject: s, Message: fmt.Sprintf("token %q has characters outside [A-Za-z0-9_-]", tok)}
			}
		}
	}
	return nil
}

// IsPattern reports whether s contains wildcard tokens.
// Endpoint subjects must be concrete, i.e. not patterns.
func IsPattern(s string) bool {
	for _, tok := range strings.Split(s, ".") {
		if tok == TokenAny || tok == TokenTail {
			return true
		}
	}
	return false
}

// Matches tests a concrete subject against a pattern.
// Both inputs are assumed to have passed Validate.
func Matches(subj, pattern string) bool {
	return matchTokens(tokenize(subj), tokenize(pattern))
}

// tokenize splits on dots, normalizing the empty string to zero tokens.
func tokenize(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

func matchTokens(subj, pattern []string) bool {
	for i, ptok := range pattern {
		switch ptok {
		case TokenTail:
			// ">" requires at least one remaining subject token.
			return len(subj) > i
		case TokenAny:
			if i >= len(subj) {
				return false
			}
		default:
			if i >= len(subj) || subj[i] != ptok {
				return false
			}
		}
	}
	return len(subj) == len(pattern)
}

func literalToken(tok string) bool {
	for _, r := range tok {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
