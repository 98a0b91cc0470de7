package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	speechURLPattern          = regexp.MustCompile(`https?://\S+`)
	speechFencedCodePattern   = regexp.MustCompile("(?s)```.*?```")
	speechInlineCodePattern   = regexp.MustCompile("`[^`]*`")
	speechMarkdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
)

// sanitizeSpeechText strips markup and symbol noise so replies sound conversational.
func sanitizeSpeechText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	raw = speechFencedCodePattern.ReplaceAllString(raw, " ")
	raw = speechInlineCodePattern.ReplaceAllString(raw, " ")
	raw = speechMarkdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, " ")

	raw = strings.NewReplacer(
		"*", " ",
		"_", " ",
		"\\", " ",
		"/", " ",
		"|", " ",
		"#", " ",
		"~", " ",
		"<", " ",
		">", " ",
	).Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true

	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
			continue
		case r == '\n' || r == '\r' || r == '\t' || unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			// Drops emoji and symbol-heavy glyphs that sound unnatural when spoken.
			continue
		case isSpeechSafePunctuation(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsPunct(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}

	return strings.TrimSpace(b.String())
}

func isSpeechSafePunctuation(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')':
		return true
	default:
		return false
	}
}

const sentenceMinChars = 16

// sentenceSplitter cuts a streamed reply into sentence-sized utterances so
// synthesis can start before the model finishes.
type sentenceSplitter struct {
	buf strings.Builder
}

// Push appends delta and returns any complete, speakable sentences.
func (s *sentenceSplitter) Push(delta string) []string {
	if delta == "" {
		return nil
	}
	s.buf.WriteString(delta)

	text := s.buf.String()
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		if !isSentenceEnd(text, i) || i+1-start < sentenceMinChars {
			continue
		}
		if seg := sanitizeSpeechText(text[start : i+1]); seg != "" {
			out = append(out, seg)
		}
		start = i + 1
	}
	if start > 0 {
		rest := text[start:]
		s.buf.Reset()
		s.buf.WriteString(rest)
	}
	return out
}

// Flush returns whatever remains as a final utterance.
func (s *sentenceSplitter) Flush() []string {
	rest := sanitizeSpeechText(s.buf.String())
	s.buf.Reset()
	if rest == "" {
		return nil
	}
	return []string{rest}
}

// isSentenceEnd reports whether text[i] terminates a sentence: terminal
// punctuation followed by whitespace, or a newline.
func isSentenceEnd(text string, i int) bool {
	switch text[i] {
	case '\n':
		return true
	case '.', '!', '?':
		return i+1 < len(text) && unicode.IsSpace(rune(text[i+1]))
	default:
		return false
	}
}
