// Package tipbot extracts tip intents from free-form social reply text.
package tipbot

import (
	"math/big"
	"regexp"
	"strings"
	"time"

	"bloomgate/grant"
)

const (
	// DefaultKeyword is the plain-word command form ("tip 5", "5 tip").
	DefaultKeyword = "tip"
	// DefaultSigil is the currency-token form ("$bloom 1000").
	DefaultSigil = "$bloom"
	// DefaultEmoji is the emoji form ("🌸 10").
	DefaultEmoji = "🌸"
	// DefaultMinimum is the smallest amount treated as a command. Amounts
	// below it mean "not a command", never an error.
	DefaultMinimum = "1"
)

// Command is an immutable tip intent recovered from one reply event.
type Command struct {
	SourceEventID string
	SenderID      grant.SocialID
	ReceiverID    grant.SocialID
	Amount        string
	ParsedAt      time.Time
}

// Config tunes the recognised surface forms.
type Config struct {
	Keyword string
	Sigil   string
	Emoji   string
	Minimum string
}

// Parser recognises the tip command surface forms in a fixed priority order:
// keyword first, then sigil, then emoji. The order keeps parsing
// deterministic when a post contains more than one form.
type Parser struct {
	patterns []*regexp.Regexp
	minimum  *big.Rat
}

var amountExpr = `(\d*\.?\d+)`

// New builds a parser; zero-valued config fields fall back to the defaults.
func New(cfg Config) *Parser {
	keyword := strings.TrimSpace(cfg.Keyword)
	if keyword == "" {
		keyword = DefaultKeyword
	}
	sigil := strings.TrimSpace(cfg.Sigil)
	if sigil == "" {
		sigil = DefaultSigil
	}
	emoji := strings.TrimSpace(cfg.Emoji)
	if emoji == "" {
		emoji = DefaultEmoji
	}
	minimum, ok := new(big.Rat).SetString(strings.TrimSpace(cfg.Minimum))
	if !ok || minimum.Sign() <= 0 {
		minimum, _ = new(big.Rat).SetString(DefaultMinimum)
	}
	return &Parser{
		patterns: []*regexp.Regexp{
			tokenPattern(keyword),
			tokenPattern(sigil),
			tokenPattern(emoji),
		},
		minimum: minimum,
	}
}

func tokenPattern(token string) *regexp.Regexp {
	quoted := regexp.QuoteMeta(token)
	// Word boundaries only apply where the token edge is a word rune;
	// "$bloom" and the emoji form have none at their sigil edge.
	runes := []rune(token)
	lead, trail := "", ""
	if isWordRune(runes[0]) {
		lead = `\b`
	}
	if isWordRune(runes[len(runes)-1]) {
		trail = `\b`
	}
	guarded := lead + quoted + trail
	return regexp.MustCompile(`(?i)(?:` + guarded + `\s+` + amountExpr + `|` + amountExpr + `\s+` + guarded + `)`)
}

func isWordRune(r rune) bool {
	return r == '_' ||
		(r >= '0' && r <= '9') ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z')
}

// Parse returns the first qualifying amount in the text, or ok=false when the
// text contains no tip command. A miss is a no-op for the caller, not a
// failure.
func (p *Parser) Parse(text string) (string, bool) {
	for _, pattern := range p.patterns {
		for _, match := range pattern.FindAllStringSubmatch(text, -1) {
			raw := match[1]
			if raw == "" {
				raw = match[2]
			}
			amount, ok := new(big.Rat).SetString(raw)
			if !ok {
				continue
			}
			if amount.Cmp(p.minimum) < 0 {
				continue
			}
			return raw, true
		}
	}
	return "", false
}

// Command parses the reply text and, on a hit, assembles the full tip intent
// for the event. Sender and receiver identities come from the event envelope,
// never from the text.
func (p *Parser) Command(sourceEventID string, sender, receiver grant.SocialID, text string, now time.Time) (*Command, bool) {
	amount, ok := p.Parse(text)
	if !ok {
		return nil, false
	}
	return &Command{
		SourceEventID: sourceEventID,
		SenderID:      sender,
		ReceiverID:    receiver,
		Amount:        amount,
		ParsedAt:      now.UTC(),
	}, true
}
