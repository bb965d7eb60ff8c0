// Package screen decides when the assistant needs the user's screen and
// conditions the captures the client sends back.
//
// Two mechanisms cooperate. The [Detector] is a text heuristic that runs
// before the first model call and scores a transcription for screen-related
// intent, so an obviously screen-bound question fetches a capture without a
// wasted model round-trip. The model's own capture marker remains
// authoritative for everything the heuristic misses. [ParseImage] validates
// and normalises incoming captures for vision submission.
package screen

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// DefaultCaptureThreshold is the confidence at which a capture is requested.
const DefaultCaptureThreshold = 0.6

// defaultFuzzyThreshold is the Jaro-Winkler score a token must reach to
// count as a misrecognised trigger word.
const defaultFuzzyThreshold = 0.92

// Reason values reported by [Detector.Detect].
const (
	ReasonExplicitTrigger = "explicit_trigger"
	ReasonContextQuestion = "context_question"
	ReasonContextPhrase   = "context_phrase"
	ReasonGeneralQuestion = "general_question"
	ReasonNoTriggers      = "no_triggers"
)

// explicitTriggers name the screen directly.
var explicitTriggers = []string{
	"screen", "display", "see", "look", "show",
	"what's on", "what is on", "current page", "this page", "this screen",
	"my screen", "the screen", "what am i", "where am i",
	"help with this", "help me with this", "what do you see", "can you see",
	"describe", "read this",
}

// contextWords suggest the user needs help with what is in front of them.
var contextWords = []string{
	"error", "issue", "problem", "bug", "broken", "not working",
	"help", "stuck", "confused", "understand", "explain", "debug", "fix",
}

// questionIndicators pair with context words to raise confidence.
var questionIndicators = []string{
	"what", "how", "where", "why", "which", "when",
	"can you", "could you", "would you", "should i", "do i", "am i", "is this",
}

// Detection is the outcome of scoring one transcription.
type Detection struct {
	// ShouldCapture is true when Confidence reached the capture threshold.
	ShouldCapture bool

	// Confidence is 0.9 for an explicit trigger, 0.8 for context plus a
	// question, 0.6 for a context phrase, 0.5 for a bare question, 0
	// otherwise.
	Confidence float64

	// Reason is one of the Reason constants.
	Reason string

	// TriggerMatches, ContextMatches and QuestionMatches list the terms
	// found, for the diagnostic payload sent with a capture request.
	TriggerMatches  []string
	ContextMatches  []string
	QuestionMatches []string

	// Words is the token count of the scored text.
	Words int
}

// Option configures a [Detector].
type Option func(*Detector)

// WithCaptureThreshold sets the confidence at which ShouldCapture turns
// true. Default: 0.6.
func WithCaptureThreshold(threshold float64) Option {
	return func(d *Detector) {
		d.captureThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a token to
// match a trigger word it does not contain verbatim. Default: 0.92.
func WithFuzzyThreshold(threshold float64) Option {
	return func(d *Detector) {
		d.fuzzyThreshold = threshold
	}
}

// Detector scores transcriptions for screen-related intent. It is read-only
// after construction and safe for concurrent use.
type Detector struct {
	captureThreshold float64
	fuzzyThreshold   float64
}

// NewDetector returns a [Detector] configured with the supplied options.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		captureThreshold: DefaultCaptureThreshold,
		fuzzyThreshold:   defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Detect scores text. The caller gates on screen sharing being active; the
// detector only reads the words.
func (d *Detector) Detect(text string) Detection {
	lower := strings.ToLower(strings.TrimSpace(text))
	tokens := strings.Fields(lower)

	det := Detection{Reason: ReasonNoTriggers, Words: len(tokens)}
	if len(tokens) == 0 {
		return det
	}

	det.TriggerMatches = d.matchTerms(lower, tokens, explicitTriggers)
	det.ContextMatches = d.matchTerms(lower, tokens, contextWords)
	det.QuestionMatches = matchQuestions(lower)

	switch {
	case len(det.TriggerMatches) > 0:
		det.Confidence, det.Reason = 0.9, ReasonExplicitTrigger
	case len(det.ContextMatches) > 0 && len(det.QuestionMatches) > 0:
		det.Confidence, det.Reason = 0.8, ReasonContextQuestion
	case len(det.ContextMatches) > 0 && det.Words > 3:
		det.Confidence, det.Reason = 0.6, ReasonContextPhrase
	case len(det.QuestionMatches) > 0 && det.Words > 4:
		det.Confidence, det.Reason = 0.5, ReasonGeneralQuestion
	}

	det.ShouldCapture = det.Confidence >= d.captureThreshold
	return det
}

// matchTerms returns the terms present in the text. Every term matches by
// substring; single words of four or more letters additionally match by
// Jaro-Winkler similarity against each token, which keeps recognition
// robust to transcription misspellings ("screne", "loock").
func (d *Detector) matchTerms(lower string, tokens []string, terms []string) []string {
	var matches []string
	for _, term := range terms {
		if strings.Contains(lower, term) {
			matches = append(matches, term)
			continue
		}
		if len(term) < 4 || strings.ContainsRune(term, ' ') {
			continue
		}
		for _, tok := range tokens {
			if matchr.JaroWinkler(tok, term, false) >= d.fuzzyThreshold {
				matches = append(matches, term)
				break
			}
		}
	}
	return matches
}

// matchQuestions returns question indicators at the start of the text or
// after a word boundary.
func matchQuestions(lower string) []string {
	var matches []string
	for _, q := range questionIndicators {
		if strings.HasPrefix(lower, q) || strings.Contains(lower, " "+q) {
			matches = append(matches, q)
		}
	}
	return matches
}
