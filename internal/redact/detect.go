package redact

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Kind names a class of sensitive value.
type Kind string

const (
	KindURL     Kind = "URL"
	KindEmail   Kind = "EMAIL"
	KindCard    Kind = "CARD"
	KindSSN     Kind = "SSN"
	KindIP      Kind = "IP"
	KindPhone   Kind = "PHONE"
	KindAccount Kind = "ACCOUNT"
)

// Match is one detected sensitive substring, as byte offsets into the input.
type Match struct {
	Start int
	End   int
	Kind  Kind
	Value string
}

type detector struct {
	kind Kind
	re   *regexp.Regexp
	// group selects the submatch to redact; 0 is the whole match.
	group int
	valid func(string) bool
	trim  string
}

// detectors are applied in order; a later detector never matches inside
// a span claimed by an earlier one.
var detectors = []detector{
	{
		kind:  KindURL,
		re:    regexp.MustCompile(`https?://[^\s<>"'\]\[]+`),
		valid: isSensitiveURL,
		trim:  ".,;:!?)",
	},
	{
		kind: KindEmail,
		re:   regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(?:\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}`),
	},
	{
		kind:  KindCard,
		re:    regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`),
		valid: luhnValid,
	},
	{
		kind: KindSSN,
		re:   regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	{
		kind: KindIP,
		re: regexp.MustCompile(
			`\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`),
	},
	{
		kind:  KindPhone,
		re:    regexp.MustCompile(`(?:\+\d{1,3}[ .-]?)?(?:\(\d{3}\)|\b\d{3})[ .-]?\d{3}[ .-]?\d{4}\b`),
		valid: phoneDigits,
	},
	{
		kind: KindAccount,
		re: regexp.MustCompile(
			`(?i)\b(?:order|account|acct|invoice|reference|ref|ticket|case)\b\s*(?:number|num|no\.?|id)?\s*[:#]?\s*([A-Z0-9][A-Z0-9-]{3,}[A-Z0-9])\b`),
		group: 1,
		valid: hasDigit,
	},
}

var sensitiveParams = map[string]bool{
	"token": true, "access_token": true, "refresh_token": true, "id_token": true,
	"key": true, "api_key": true, "apikey": true, "password": true, "pwd": true,
	"secret": true, "session": true, "sessionid": true, "sid": true,
	"sig": true, "signature": true, "auth": true, "code": true, "otp": true,
	"reset": true, "x-amz-signature": true,
}

// Detect returns the non-overlapping sensitive spans in text, ordered by
// position. It is a pure function of its input.
func Detect(text string) []Match {
	var matches []Match

	for _, d := range detectors {
		for _, loc := range d.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[2*d.group], loc[2*d.group+1]
			if start < 0 {
				continue
			}
			if d.trim != "" {
				for end > start && strings.ContainsRune(d.trim, rune(text[end-1])) {
					end--
				}
			}
			value := text[start:end]
			if value == "" || (d.valid != nil && !d.valid(value)) {
				continue
			}
			if overlaps(matches, start, end) {
				continue
			}
			matches = append(matches, Match{Start: start, End: end, Kind: d.kind, Value: value})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Start < matches[j].Start
	})
	return matches
}

func overlaps(matches []Match, start, end int) bool {
	for _, m := range matches {
		if start < m.End && m.Start < end {
			return true
		}
	}
	return false
}

func isSensitiveURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	for param := range u.Query() {
		if sensitiveParams[strings.ToLower(param)] {
			return true
		}
	}
	// Magic-link style paths carry the secret in the path itself.
	path := strings.ToLower(u.Path)
	for _, marker := range []string{"/reset", "/verify", "/magic", "/unsubscribe/", "/token/"} {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}

// luhnValid reports whether the digits in s pass the Luhn checksum.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func phoneDigits(s string) bool {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n >= 10 && n <= 15
}

func hasDigit(s string) bool {
	return strings.ContainsAny(s, "0123456789")
}
