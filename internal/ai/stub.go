package ai

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	fillerPattern   = regexp.MustCompile(`(?i)\b(um+|uh+|erm|you know|i mean|sort of|kind of)\b[,]?\s*`)
	spacePattern    = regexp.MustCompile(`[ \t]+`)
	sentencePattern = regexp.MustCompile(`[^.!?\n]+[.!?]?`)
	speakerPattern  = regexp.MustCompile(`^\s*[A-Z][\w .'-]{0,30}:\s*`)
)

// stubNormalize strips filler words and collapses whitespace.
func stubNormalize(raw string) string {
	lines := strings.Split(raw, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = fillerPattern.ReplaceAllString(line, "")
		line = spacePattern.ReplaceAllString(line, " ")
		line = strings.TrimSpace(strings.ReplaceAll(line, " ,", ","))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// sentences splits text into trimmed sentences without speaker labels.
func sentences(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = speakerPattern.ReplaceAllString(line, "")
		for _, s := range sentencePattern.FindAllString(line, -1) {
			s = strings.Trim(strings.TrimSpace(s), ",;")
			if len(strings.Fields(s)) >= 2 {
				out = append(out, s)
			}
		}
	}
	return out
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.TrimRight(strings.Join(words, " "), ".,!?;:")
}

func stubTitle(transcript string) string {
	for _, s := range sentences(transcript) {
		if t := firstWords(s, 8); t != "" {
			return t
		}
	}
	return "Call recap"
}

// stubInsights returns exactly n insights, cycling through the transcript's
// sentences when it is short.
func stubInsights(transcript string, n int) []InsightDraft {
	if n <= 0 {
		return nil
	}
	src := sentences(transcript)
	if len(src) == 0 {
		src = []string{"The conversation covered the team's priorities."}
	}
	categories := []string{"lesson", "opinion", "story", "metric"}
	out := make([]InsightDraft, 0, n)
	for i := 0; i < n; i++ {
		s := src[i%len(src)]
		out = append(out, InsightDraft{
			Title:    fmt.Sprintf("Insight %d: %s", i+1, firstWords(s, 6)),
			Summary:  s,
			Quote:    s,
			Category: categories[i%len(categories)],
			Tags:     []string{"transcript", categories[i%len(categories)]},
		})
	}
	return out
}

// stubPosts drafts limit posts, alternating platforms and cycling through insights.
func stubPosts(insights []InsightDraft, limit int) []PostDraft {
	if limit <= 0 || len(insights) == 0 {
		return nil
	}
	platforms := []string{"linkedin", "x"}
	out := make([]PostDraft, 0, limit)
	for i := 0; i < limit; i++ {
		idx := i % len(insights)
		in := insights[idx]
		platform := platforms[i%len(platforms)]
		content := fmt.Sprintf("%s\n\n%s\n\nWhat would you add?", in.Title, in.Summary)
		if platform == "x" {
			content = truncate(in.Summary, 240)
		}
		out = append(out, PostDraft{
			Insight:  idx + 1,
			Platform: platform,
			Content:  content,
			Hashtags: []string{"#" + in.Category},
		})
	}
	return out
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return strings.TrimSpace(string(r[:max-1])) + "…"
}
