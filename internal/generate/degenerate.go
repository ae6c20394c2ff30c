package generate

import "strings"

// Degenerate-output thresholds. Narrator models occasionally emit empty
// strings, mid-sentence truncations, or a short phrase stuttered dozens of
// times; these bounds catch the common shapes without flagging legitimate
// terse narration.
const (
	// minContentLength is the minimum rune count for non-degenerate output.
	minContentLength = 2

	// repeatWindow is the phrase length (in words) checked for stutter loops.
	repeatWindow = 4

	// repeatThreshold is how many consecutive identical windows mark output
	// as a garbage repetition loop.
	repeatThreshold = 5
)

// IsDegenerate reports whether generated text is empty, trivially short, or a
// repeating garbage pattern. Truncation mid-word is not detectable locally and
// is left to the caller's retry policy.
func IsDegenerate(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len([]rune(trimmed)) < minContentLength {
		return true
	}
	return hasRepeatLoop(trimmed)
}

// hasRepeatLoop detects runs of the same word window repeated back to back,
// e.g. "the door the door the door the door the door".
func hasRepeatLoop(text string) bool {
	words := strings.Fields(strings.ToLower(text))
	if len(words) < repeatWindow*repeatThreshold {
		return false
	}

	for start := 0; start+repeatWindow*repeatThreshold <= len(words); start++ {
		window := strings.Join(words[start:start+repeatWindow], " ")
		repeats := 1
		for i := start + repeatWindow; i+repeatWindow <= len(words); i += repeatWindow {
			if strings.Join(words[i:i+repeatWindow], " ") != window {
				break
			}
			repeats++
			if repeats >= repeatThreshold {
				return true
			}
		}
	}
	return false
}
