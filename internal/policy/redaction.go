// Package policy masks personal details in coaching transcripts before they
// are persisted.
package policy

import (
	"regexp"
	"strings"
)

// Kind names a category of masked detail.
type Kind string

const (
	KindEmail     Kind = "email"
	KindBirthDate Kind = "birth_date"
	KindMemberID  Kind = "member_id"
	KindCard      Kind = "card"
	KindPhone     Kind = "phone"
)

var markers = map[Kind]string{
	KindEmail:     "[REDACTED_EMAIL]",
	KindBirthDate: "[REDACTED_BIRTH_DATE]",
	KindMemberID:  "[REDACTED_MEMBER_ID]",
	KindCard:      "[REDACTED_CARD]",
	KindPhone:     "[REDACTED_PHONE]",
}

const monthNames = `(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?`

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

	// Only dates introduced as a birth date; workout dates stay readable.
	birthDatePattern = regexp.MustCompile(`(?i)\b(?:born(?:\s+on)?|birthday(?:\s+is)?|date\s+of\s+birth(?:\s+is)?|dob)[:\s]+` +
		`(?P<value>\d{4}-\d{1,2}-\d{1,2}|\d{1,2}[/.\-]\d{1,2}[/.\-]\d{2,4}|` +
		monthNames + `\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}|` +
		`\d{1,2}(?:st|nd|rd|th)?\s+(?:of\s+)?` + monthNames + `,?\s+\d{4})`)

	// Gym membership, locker and insurance numbers spoken as "member number 48213".
	memberIDPattern = regexp.MustCompile(`(?i)\b(?:member(?:ship)?|gym|locker|insurance|policy)(?:\s+card)?\s*(?:number|no\.?|id|#)(?:\s+is)?[:#\s]+` +
		`(?P<value>[a-z0-9][a-z0-9\-]*\d[a-z0-9\-]*)`)

	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
)

// Result is a redacted transcript and the kinds of detail that were masked.
type Result struct {
	Text  string
	Kinds []Kind
}

func (r Result) Changed() bool { return len(r.Kinds) > 0 }

// Redact masks contact details, birth dates, membership numbers and payment
// cards in a coaching transcript. Rep schemes and weights such as
// "12 10 8 6" or "100 kg" are left alone.
func Redact(input string) Result {
	res := Result{Text: input}
	apply := func(kind Kind, next string) {
		if next != res.Text {
			res.Kinds = append(res.Kinds, kind)
			res.Text = next
		}
	}

	apply(KindEmail, emailPattern.ReplaceAllString(res.Text, markers[KindEmail]))
	apply(KindBirthDate, replaceValue(birthDatePattern, res.Text, markers[KindBirthDate]))
	apply(KindMemberID, replaceValue(memberIDPattern, res.Text, markers[KindMemberID]))
	// Cards run before phones so a card number is not classified as a phone.
	apply(KindCard, cardPattern.ReplaceAllStringFunc(res.Text, func(m string) string {
		if !luhnValid(digitsOf(m)) {
			return m
		}
		return markers[KindCard]
	}))
	apply(KindPhone, phonePattern.ReplaceAllStringFunc(res.Text, func(m string) string {
		if !looksLikePhone(m) {
			return m
		}
		return markers[KindPhone]
	}))
	return res
}

// replaceValue masks only the "value" group so the spoken lead-in survives.
func replaceValue(re *regexp.Regexp, text, marker string) string {
	idx := re.SubexpIndex("value")
	matches := re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[2*idx], m[2*idx+1]
		b.WriteString(text[last:start])
		b.WriteString(marker)
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func digitsOf(s string) string {
	return strings.Map(func(r rune) rune {
		if isDigit(r) {
			return r
		}
		return -1
	}, s)
}

// looksLikePhone rejects spoken rep ladders and step counts: phone numbers
// carry nine to fifteen digits with at least one group longer than two.
func looksLikePhone(m string) bool {
	if n := len(digitsOf(m)); n < 9 || n > 15 {
		return false
	}
	for _, group := range strings.FieldsFunc(m, func(r rune) bool { return !isDigit(r) }) {
		if len(group) > 2 {
			return true
		}
	}
	return false
}

func luhnValid(digits string) bool {
	if len(digits) < 13 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
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
