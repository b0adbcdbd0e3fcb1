package provider

import (
	"strings"
	"unicode"
)

const (
	LengthShort  = "short"
	LengthMedium = "medium"
	LengthLong   = "long"

	ToneFormal       = "formal"
	ToneApologetic   = "apologetic"
	ToneEnthusiastic = "enthusiastic"
	ToneDirect       = "direct"
	ToneFriendly     = "friendly"

	shortWords  = 40
	mediumWords = 120
)

var toneMarkers = []struct {
	tone    string
	markers []string
}{
	{ToneApologetic, []string{"sorry", "apolog", "regret", "unfortunately", "my mistake", "our mistake"}},
	{ToneFormal, []string{"dear ", "kind regards", "best regards", "sincerely", "please find", "we would like to"}},
	{ToneEnthusiastic, []string{"excited", "thrilled", "great news", "love to", "fantastic", "amazing"}},
	{ToneFriendly, []string{"hi ", "hey ", "thanks", "thank you", "cheers", "hope you"}},
}

// Analyze derives metadata for a finished variant from its text and the
// provider's finish reason. The classification is heuristic and stable: the
// same input always yields the same metadata.
func Analyze(text, finishReason string) Metadata {
	words := len(strings.FieldsFunc(text, unicode.IsSpace))

	length := LengthShort
	switch {
	case words >= mediumWords:
		length = LengthLong
	case words >= shortWords:
		length = LengthMedium
	}

	return Metadata{
		Tone:         tone(text),
		Length:       length,
		Confidence:   confidence(words, finishReason),
		FinishReason: finishReason,
	}
}

// tone picks the tone with the most marker hits; ties go to the earlier
// entry in toneMarkers. Text without markers is direct.
func tone(text string) string {
	lower := strings.ToLower(text)
	best, bestHits := ToneDirect, 0
	for _, tm := range toneMarkers {
		hits := 0
		for _, m := range tm.markers {
			hits += strings.Count(lower, m)
		}
		if strings.Count(text, "!") >= 2 && tm.tone == ToneEnthusiastic {
			hits++
		}
		if hits > bestHits {
			best, bestHits = tm.tone, hits
		}
	}
	return best
}

func confidence(words int, finishReason string) float64 {
	c := 0.9
	switch finishReason {
	case "stop", "":
	case "length":
		c = 0.5
	default:
		c = 0.3
	}
	if words < 5 {
		c -= 0.3
	}
	if c < 0 {
		c = 0
	}
	return c
}
