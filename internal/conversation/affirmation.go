package conversation

import (
	"regexp"
	"strings"
)

// AffirmationClassifier decides whether a user message confirms the order.
// The default is keyword-based; deployments can swap in something smarter
// without touching the transition logic.
type AffirmationClassifier interface {
	IsAffirmation(message string) bool
}

// KeywordAffirmation matches common Brazilian Portuguese confirmations.
type KeywordAffirmation struct {
	pattern *regexp.Regexp
}

var defaultAffirmationPattern = regexp.MustCompile(
	`(?i)\b(confirmo|confirmar|confirma|sim|ok|okay|pode ser|pode fechar|fecha|fechar|fechado|isso|certo|beleza|perfeito|vamos|manda|bora)\b`,
)

// NewKeywordAffirmation returns the default keyword-based classifier.
func NewKeywordAffirmation() *KeywordAffirmation {
	return &KeywordAffirmation{pattern: defaultAffirmationPattern}
}

// IsAffirmation reports whether the message contains a confirmation keyword.
func (k *KeywordAffirmation) IsAffirmation(message string) bool {
	return k.pattern.MatchString(strings.TrimSpace(message))
}
