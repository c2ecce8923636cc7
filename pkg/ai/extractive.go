package ai

import (
	"regexp"
	"sort"
	"strings"
)

const (
	answerFoundPreface    = "Based on the document, I found this information that answers your question:\n\n"
	answerNotFoundPreface = "I couldn't find a specific answer to this question in the document. Here are some key excerpts that might be helpful:\n\n"
)

var sentenceBoundary = regexp.MustCompile(`[.!?]+`)

var questionStopWords = map[string]struct{}{
	"what": {}, "who": {}, "when": {}, "where": {}, "why": {},
	"how": {}, "the": {}, "and": {}, "this": {}, "that": {},
}

func splitSentences(text string) []string {
	parts := sentenceBoundary.Split(text, -1)
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// ExtractiveSummary picks the first, quarter, middle, three-quarter and last
// sentences. Texts of five sentences or fewer are returned unchanged.
func ExtractiveSummary(text string) string {
	sentences := splitSentences(text)
	n := len(sentences)
	if n <= 5 {
		return text
	}
	picks := []int{0, n / 4, n / 2, n * 3 / 4, n - 1}
	parts := make([]string, 0, len(picks))
	for _, i := range picks {
		parts = append(parts, strings.TrimSpace(sentences[i]))
	}
	return strings.Join(parts, ". ") + "."
}

// ExtractiveAnswer scores sentences by how many question keywords they
// contain and returns the best three. When nothing matches it returns the
// first, middle and last sentences as excerpts.
func ExtractiveAnswer(document, question string) string {
	sentences := splitSentences(document)

	var keywords []string
	for _, w := range strings.Fields(strings.ToLower(question)) {
		if len(w) <= 3 {
			continue
		}
		if _, stop := questionStopWords[w]; stop {
			continue
		}
		keywords = append(keywords, w)
	}

	type scored struct {
		sentence string
		score    int
	}
	ranked := make([]scored, 0, len(sentences))
	for _, s := range sentences {
		lower := strings.ToLower(s)
		score := 0
		for _, w := range keywords {
			if strings.Contains(lower, w) {
				score++
			}
		}
		ranked = append(ranked, scored{sentence: s, score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	var top []string
	for _, r := range ranked {
		if r.score == 0 || len(top) == 3 {
			break
		}
		top = append(top, strings.TrimSpace(r.sentence))
	}
	if len(top) > 0 {
		return answerFoundPreface + strings.Join(top, "\n\n")
	}

	var excerpts []string
	if n := len(sentences); n > 0 {
		for _, i := range []int{0, n / 2, n - 1} {
			excerpts = append(excerpts, strings.TrimSpace(sentences[i]))
		}
	}
	return answerNotFoundPreface + strings.Join(excerpts, "\n\n")
}
