// Package plate canonicalizes raw OCR plate reads into comparable vehicle
// keys. Normalization is deterministic: the same raw input under the same
// configuration always yields the same key, which the ledger relies on for
// grouping and deduplication.
package plate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/camposec/vigil/internal/domain"
)

const defaultPattern = `^[A-Z0-9]{5,8}$`

// Config carries the institution's plate scheme. Substitutions map commonly
// confused OCR pairs onto one canonical character (e.g. O->0, I->1) so both
// members of a pair land on the same key.
type Config struct {
	ConfidenceThreshold float64
	Pattern             string
	Substitutions       map[string]string
}

type Normalizer struct {
	threshold float64
	pattern   *regexp.Regexp
	subs      map[rune]rune
}

func New(cfg Config) (*Normalizer, error) {
	pattern := cfg.Pattern
	if strings.TrimSpace(pattern) == "" {
		pattern = defaultPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("plate pattern: %w", err)
	}

	subs := make(map[rune]rune, len(cfg.Substitutions))
	for from, to := range cfg.Substitutions {
		fr := []rune(strings.ToUpper(from))
		tr := []rune(strings.ToUpper(to))
		if len(fr) != 1 || len(tr) != 1 {
			return nil, fmt.Errorf("substitution %q->%q: entries must be single characters", from, to)
		}
		subs[fr[0]] = tr[0]
	}

	return &Normalizer{threshold: cfg.ConfidenceThreshold, pattern: re, subs: subs}, nil
}

// Normalize validates an OCR read and returns the canonical vehicle key.
// Reads below the confidence threshold or failing the format check are
// rejected with domain.ErrInvalidInput.
func (n *Normalizer) Normalize(raw string, confidence float64) (string, error) {
	if confidence < n.threshold {
		return "", fmt.Errorf("%w: plate confidence %.2f below threshold %.2f", domain.ErrInvalidInput, confidence, n.threshold)
	}
	return n.NormalizeKey(raw)
}

// NormalizeKey canonicalizes a plate string without a confidence check. Used
// for operator-entered keys on query and administrative paths.
func (n *Normalizer) NormalizeKey(raw string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(raw)) {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		if to, ok := n.subs[r]; ok {
			r = to
		}
		b.WriteRune(r)
	}

	key := b.String()
	if !n.pattern.MatchString(key) {
		return "", fmt.Errorf("%w: plate %q does not match the institutional scheme", domain.ErrInvalidInput, raw)
	}
	return key, nil
}
