package reminder

import (
	"strings"
	"unicode"
)

// Reply is the interpretation of a patient's answer to a reminder.
type Reply int

const (
	ReplyUnrecognized Reply = iota
	ReplyPositive
	ReplyNegative
)

func (r Reply) String() string {
	switch r {
	case ReplyPositive:
		return "positive"
	case ReplyNegative:
		return "negative"
	default:
		return "unrecognized"
	}
}

var negativePhrases = []string{
	"not yet", "not done", "haven't", "have not", "didn't", "did not",
	"can't", "cannot", "won't", "will not", "unable",
	"cancel", "decline", "reschedule", "no", "nope", "nah",
}

var positivePhrases = []string{
	"yes", "yeah", "yep", "yup", "y", "ok", "okay", "sure", "absolutely", "definitely", "of course",
	"confirm", "confirmed", "done", "filled", "completed", "complete", "submitted",
	"will be there", "i'll be there", "be there", "see you", "sounds good",
}

// Idioms that contain a negative word but agree. They are removed before matching.
var agreeingIdioms = []string{
	"no problem", "no problems", "not a problem", "no worries", "no worry",
	"no doubt", "no issue", "no issues", "can't wait", "cannot wait",
}

// Classify reads a free-text reply. The earliest answer phrase decides, so
// "Yes, no problem" is positive and "not done yet" is negative; at one
// position the longer phrase wins. For a negative reply, reason is whatever
// the patient wrote after that phrase, trimmed of punctuation and fillers.
func Classify(text string) (reply Reply, reason string) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(text)), "’", "'")
	if norm == "" {
		return ReplyUnrecognized, ""
	}
	words := removeIdioms(tokenize(norm))
	for i := range words {
		best, n := ReplyUnrecognized, 0
		for _, p := range negativePhrases {
			if l := matchAt(words, i, p); l > n {
				best, n = ReplyNegative, l
			}
		}
		for _, p := range positivePhrases {
			if l := matchAt(words, i, p); l > n {
				best, n = ReplyPositive, l
			}
		}
		switch best {
		case ReplyNegative:
			return ReplyNegative, strings.Join(stripLeadingFillers(words[i+n:]), " ")
		case ReplyPositive:
			return ReplyPositive, ""
		}
	}
	return ReplyUnrecognized, ""
}

func removeIdioms(words []string) []string {
	out := make([]string, 0, len(words))
	for i := 0; i < len(words); {
		skipped := false
		for _, idiom := range agreeingIdioms {
			if l := matchAt(words, i, idiom); l > 0 {
				i += l
				skipped = true
				break
			}
		}
		if !skipped {
			out = append(out, words[i])
			i++
		}
	}
	return out
}

// tokenize splits on anything that is not a letter, digit or apostrophe.
func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// matchAt returns the number of words phrase spans when it starts at words[i], or 0.
func matchAt(words []string, i int, phrase string) int {
	pw := strings.Fields(phrase)
	if i+len(pw) > len(words) {
		return 0
	}
	for j := range pw {
		if words[i+j] != pw[j] {
			return 0
		}
	}
	return len(pw)
}

var fillers = map[string]bool{
	"because": true, "due": true, "to": true, "of": true, "i": true, "have": true, "a": true,
	"reason": true, "is": true, "it's": true, "make": true, "it": true, "be": true, "there": true,
	"come": true, "attend": true, "sorry": true, "so": true,
}

func stripLeadingFillers(words []string) []string {
	for len(words) > 0 && fillers[words[0]] {
		words = words[1:]
	}
	return words
}
