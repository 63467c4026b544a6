// Package guardrails decides whether AI-composed reply text may leave
// the system. Validation is a pure function of the text.
package guardrails

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/nhle/inbox-triage/internal/model"
)

// Limits applied by Validate.
const (
	MaxLength          = 1000
	MaxLinks           = 3
	MaxRepeatRun       = 10
	UpperCaseMinLetter = 20
	UpperCaseRatio     = 0.6
	NonASCIIMinRunes   = 20
	NonASCIIRatio      = 0.3
)

// Failure reasons. Each check contributes at most one.
const (
	ReasonEmpty          = "empty reply"
	ReasonTooLong        = "reply exceeds maximum length"
	ReasonMarkup         = "contains executable markup"
	ReasonTooManyLinks   = "contains too many links"
	ReasonProfanity      = "contains profanity"
	ReasonInjection      = "contains prompt-injection markers"
	ReasonShouting       = "predominantly upper-case"
	ReasonRepeatedChars  = "contains long runs of a repeated character"
	ReasonNonASCII       = "dominated by non-ASCII content"
	ReasonUnresolvedToks = "contains unresolved redaction placeholders"
)

// ErrBlocked marks a reply rejected by the guardrails.
var ErrBlocked = errors.New("reply blocked by guardrails")

// BlockedError carries the verdict of a rejected reply.
type BlockedError struct {
	Reasons []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%v: %s", ErrBlocked, strings.Join(e.Reasons, "; "))
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }

var (
	markupPattern = regexp.MustCompile(
		`(?i)<\s*/?\s*(?:script|iframe|object|embed|applet|form|meta|link|style)\b|\bon[a-z]+\s*=|javascript\s*:|vbscript\s*:|data\s*:\s*text/html`)

	linkPattern = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"']+|\bwww\.[^\s<>"']+`)

	profanityPattern = regexp.MustCompile(
		`(?i)\b(?:fuck\w*|shit\w*|bitch\w*|bastard\w*|asshole\w*|dickhead\w*|cunt\w*|motherf\w*|wank\w*|bollocks|piss\s+off|damn\s+you|crap)\b`)

	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:ignore|disregard|forget)\s+(?:all\s+|any\s+)?(?:the\s+)?(?:previous|prior|above|earlier)\s+(?:instructions?|prompts?|messages?|rules?)`),
		regexp.MustCompile(`(?i)\b(?:system|developer)\s+prompt\b`),
		regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(?:DAN\b|jailbroken|in\s+developer\s+mode|an?\s+(?:unrestricted|unfiltered|uncensored))`),
		regexp.MustCompile(`\{\{[^}]*\}\}|\$\{[^}]*\}|<%[^%]*%>`),
		regexp.MustCompile(`(?i)<\|?\s*(?:im_start|im_end|system|assistant|user|endoftext)\s*\|?>`),
		regexp.MustCompile(`(?i)\[/?(?:INST|SYS)\]|<</?SYS>>`),
		regexp.MustCompile(`(?im)^\s*#{2,}\s*(?:system|assistant|instruction|user)\b`),
		regexp.MustCompile(`(?im)^\s*(?:system|assistant)\s*:`),
	}

	placeholderPattern = regexp.MustCompile(`\[\[[A-Z]+_\d+\]\]`)
)

// Validate evaluates every check against text and returns their union.
// It has no side effects and is deterministic.
func Validate(text string) model.GuardrailsVerdict {
	var reasons []string
	add := func(failed bool, reason string) {
		if failed {
			reasons = append(reasons, reason)
		}
	}

	trimmed := strings.TrimSpace(text)
	normalized := norm.NFKC.String(text)

	add(trimmed == "", ReasonEmpty)
	add(utf8.RuneCountInString(text) > MaxLength, ReasonTooLong)
	add(markupPattern.MatchString(normalized), ReasonMarkup)
	add(len(linkPattern.FindAllStringIndex(normalized, -1)) > MaxLinks, ReasonTooManyLinks)
	add(profanityPattern.MatchString(deobfuscate(normalized)), ReasonProfanity)
	add(hasInjection(normalized), ReasonInjection)
	add(placeholderPattern.MatchString(text), ReasonUnresolvedToks)
	add(isShouting(trimmed), ReasonShouting)
	add(longestRun(trimmed) >= MaxRepeatRun, ReasonRepeatedChars)
	add(nonASCIIDominated(trimmed), ReasonNonASCII)

	return model.GuardrailsVerdict{
		Valid:   len(reasons) == 0,
		Reasons: reasons,
	}
}

func hasInjection(text string) bool {
	for _, p := range injectionPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// deobfuscate undoes common character substitutions used to slip words
// past the profanity list.
var leetReplacer = strings.NewReplacer(
	"@", "a", "$", "s", "0", "o", "1", "i", "3", "e", "!", "i", "*", "u",
)

func deobfuscate(text string) string {
	return text + "\n" + leetReplacer.Replace(strings.ToLower(text))
}

func isShouting(text string) bool {
	letters, upper := 0, 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	if letters < UpperCaseMinLetter {
		return false
	}
	return float64(upper)/float64(letters) > UpperCaseRatio
}

func longestRun(text string) int {
	longest, run := 0, 0
	var prev rune = -1
	for _, r := range text {
		if r == prev && !unicode.IsSpace(r) {
			run++
		} else {
			run = 1
		}
		prev = r
		if run > longest {
			longest = run
		}
	}
	return longest
}

func nonASCIIDominated(text string) bool {
	total, nonASCII := 0, 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if r > unicode.MaxASCII {
			nonASCII++
		}
	}
	if total < NonASCIIMinRunes {
		return false
	}
	return float64(nonASCII)/float64(total) > NonASCIIRatio
}
