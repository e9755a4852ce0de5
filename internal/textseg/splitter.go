// Package textseg normalizes plain text and splits it into ordered,
// synthesizable sentences for the pipeline. SSML parsing lives outside
// this module; textseg is the plain-text producer of segment lists.
package textseg

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultThreshold is the sentence-merge threshold used when a request
// does not configure one.
const DefaultThreshold = 100

// MinThreshold is the smallest accepted splitter threshold.
const MinThreshold = 50

// ErrThresholdTooSmall is returned for thresholds below MinThreshold.
var ErrThresholdTooSmall = errors.New("splitter threshold must be at least 50")

// Punctuation and formatting normalization.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsisChar = "…"
)

var whitespacePattern = regexp.MustCompile(`\s+`)

// sentenceEnders terminate a sentence during splitting.
const sentenceEnders = ".!?。！？…"

var abbreviationReplacer = strings.NewReplacer(
	"Mr.", "Mister",
	"Mrs.", "Misses",
	"Ms.", "Miss",
	"Dr.", "Doctor",
	"St.", "Saint",
	"Prof.", "Professor",
	"vs.", "versus",
	"etc.", "et cetera",
)

// Normalize cleans text for synthesis: collapses whitespace, replaces
// typographic dashes and ellipses with speakable equivalents, and
// expands common abbreviations so the splitter does not mistake them
// for sentence boundaries.
func Normalize(text string) string {
	if text == "" {
		return ""
	}

	text = abbreviationReplacer.Replace(text)

	text = strings.ReplaceAll(text, emDash, ", ")
	text = strings.ReplaceAll(text, enDash, ", ")
	text = strings.ReplaceAll(text, figureDash, ", ")
	text = strings.ReplaceAll(text, ellipsisChar, "...")

	text = whitespacePattern.ReplaceAllString(text, " ")

	return strings.TrimSpace(text)
}

// Splitter splits normalized text into sentences and merges short
// neighbors until the merge would exceed the threshold (in runes). A
// single sentence longer than the threshold is kept whole: the
// threshold bounds merging, not sentence length.
type Splitter struct {
	threshold int
}

// NewSplitter creates a splitter with the given merge threshold.
func NewSplitter(threshold int) (*Splitter, error) {
	if threshold < MinThreshold {
		return nil, ErrThresholdTooSmall
	}

	return &Splitter{threshold: threshold}, nil
}

// Split returns the ordered sentence groups of text. Empty input yields
// an empty slice.
func (s *Splitter) Split(text string) []string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var (
		groups  []string
		current strings.Builder
		length  int
	)

	flush := func() {
		if current.Len() > 0 {
			groups = append(groups, strings.TrimSpace(current.String()))
			current.Reset()
			length = 0
		}
	}

	for _, sentence := range sentences {
		runeCount := utf8.RuneCountInString(sentence)

		if length > 0 && length+runeCount > s.threshold {
			flush()
		}

		if current.Len() > 0 {
			current.WriteByte(' ')
		}

		current.WriteString(sentence)
		length += runeCount
	}

	flush()

	return groups
}

// splitSentences cuts text at sentence-terminal runes, keeping the
// terminator attached to its sentence.
func splitSentences(text string) []string {
	var (
		sentences []string
		current   strings.Builder
	)

	for _, r := range text {
		current.WriteRune(r)

		if strings.ContainsRune(sentenceEnders, r) {
			sentence := strings.TrimSpace(current.String())
			if sentence != "" && !isOnlyPunct(sentence) {
				sentences = append(sentences, sentence)
			}

			current.Reset()
		}
	}

	tail := strings.TrimSpace(current.String())
	if tail != "" && !isOnlyPunct(tail) {
		sentences = append(sentences, tail)
	}

	return sentences
}

func isOnlyPunct(s string) bool {
	for _, r := range s {
		if !unicode.IsPunct(r) && !unicode.IsSpace(r) {
			return false
		}
	}

	return true
}
