package refine

import (
	"fmt"
	"strings"
)

// refineSystemPrompt instructs the model to consolidate one speaker turn and
// answer in the line-prefixed reply form understood by [ParseReply].
const refineSystemPrompt = `You consolidate fragments of a live conversation transcript.

The user message holds consecutive speech-to-text fragments spoken by one speaker, already joined in order.

Rules:
- Merge the fragments into clean, readable text. Fix obvious recognition errors, broken words and duplicated words.
- DO NOT change the meaning, add content, or summarise.
- Keep proper nouns, technical terms and informal speech patterns as spoken.
- Judge whether the result is a complete thought or cut off mid-sentence.

Respond with exactly these four lines and nothing else:
REFINED: <the consolidated text>
CONFIDENCE: <0.0-1.0, how sure you are the text is what was said>
COMPLETE: <yes|no>
COMBINED: <yes if you merged more than one fragment, otherwise no>`

// correctSystemPrompt instructs the model to touch up the middle segment of
// a three-segment window without changing what was said.
const correctSystemPrompt = `You proofread a finished transcript segment using its neighbours as context.

Only make these corrections:
1. Spell industry and technical terms correctly and consistently with the surrounding segments.
2. Write numbers, dates and units in a consistent form.
3. Spell and capitalise proper names correctly.
4. Fix punctuation and capitalisation.

Do not alter the meaning. Do not rephrase, reorder, add or remove words, and leave grammar, sentence fragments and informal speech as they were spoken.
If nothing needs correcting, return the segment unchanged.

Return ONLY the corrected text of the current segment, with no explanation or formatting.`

// buildRefinePrompt renders the user message for a refinement attempt.
func buildRefinePrompt(speaker, text string, fragments, attempt int) string {
	var sb strings.Builder
	if speaker != "" {
		fmt.Fprintf(&sb, "Speaker: %s\n", speaker)
	}
	fmt.Fprintf(&sb, "Fragments: %d\n", fragments)
	if attempt > 1 {
		fmt.Fprintf(&sb, "Attempt: %d (an earlier attempt was not confident; look again carefully)\n", attempt)
	}
	sb.WriteString("\nTranscript:\n")
	sb.WriteString(text)
	return sb.String()
}

// buildCorrectionPrompt renders the user message for a correction window.
func buildCorrectionPrompt(prev, current, next string, terms []string) string {
	var sb strings.Builder
	if len(terms) > 0 {
		sb.WriteString("Known names and terms: ")
		sb.WriteString(strings.Join(terms, ", "))
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Previous segment:\n%s\n\n", prev)
	fmt.Fprintf(&sb, "Current segment:\n%s\n\n", current)
	fmt.Fprintf(&sb, "Next segment:\n%s", next)
	return sb.String()
}
