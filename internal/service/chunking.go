package service

import (
	"strings"
	"unicode"

	"github.com/docagent-io/docagent/internal/domain"
)

// ChunkConfig controls how extracted document text is split for embedding.
type ChunkConfig struct {
	MaxChars int
	Overlap  int
}

// DefaultChunkConfig provides sane defaults for chunking.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		MaxChars: 500,
		Overlap:  50,
	}
}

// ChunkText splits text into ordered, overlapping chunks. Sentences are the
// unit of accumulation: a chunk greedily collects sentences until adding the
// next one would exceed MaxChars, and each new chunk is seeded with the
// trailing sentences of the previous chunk that fit within Overlap. A
// sentence longer than MaxChars is force-split at MaxChars.
//
// The function is pure and deterministic. Empty input yields an empty slice.
func ChunkText(text string, cfg ChunkConfig) ([]string, error) {
	if cfg.MaxChars <= 0 {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation,
			"chunk max size must be positive", domain.ErrInvalidConfiguration)
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.MaxChars {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation,
			"chunk overlap must be non-negative and smaller than max size", domain.ErrInvalidConfiguration)
	}

	clean := strings.TrimSpace(text)
	if clean == "" {
		return []string{}, nil
	}

	sentences := splitSentences(clean, cfg.MaxChars)

	chunks := make([]string, 0, 8)
	var current []string
	currentLen := 0

	for _, sentence := range sentences {
		if currentLen > 0 && currentLen+1+len([]rune(sentence)) > cfg.MaxChars {
			chunks = append(chunks, strings.Join(current, " "))

			// Seed the next chunk with the longest trailing run of
			// sentences that fits within the overlap budget and still
			// leaves room for the sentence being added.
			current, currentLen = overlapSuffix(current, cfg.Overlap, cfg.MaxChars-1-len([]rune(sentence)))
		}
		current = append(current, sentence)
		if currentLen > 0 {
			currentLen++
		}
		currentLen += len([]rune(sentence))
	}

	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}

	return chunks, nil
}

// splitSentences breaks text on `.`, `!`, or `?` followed by whitespace (or
// end of input) and force-splits any sentence longer than maxChars.
func splitSentences(text string, maxChars int) []string {
	runes := []rune(text)
	var sentences []string

	start := 0
	for i := 0; i < len(runes); i++ {
		if !isSentenceTerminal(runes[i]) {
			continue
		}
		// Consume a run of terminals ("..." or "?!").
		end := i
		for end+1 < len(runes) && isSentenceTerminal(runes[end+1]) {
			end++
		}
		if end+1 < len(runes) && !unicode.IsSpace(runes[end+1]) {
			i = end
			continue
		}

		if s := strings.TrimSpace(string(runes[start : end+1])); s != "" {
			sentences = append(sentences, s)
		}

		i = end
		for i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			i++
		}
		start = i + 1
	}

	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			sentences = append(sentences, s)
		}
	}

	var out []string
	for _, s := range sentences {
		out = append(out, forceSplit(s, maxChars)...)
	}
	return out
}

// forceSplit cuts a sentence into rune windows of at most maxChars.
func forceSplit(sentence string, maxChars int) []string {
	runes := []rune(sentence)
	if len(runes) <= maxChars {
		return []string{sentence}
	}
	var parts []string
	for start := 0; start < len(runes); start += maxChars {
		end := start + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}

// overlapSuffix returns the longest trailing run of sentences whose joined
// length does not exceed the overlap budget, further capped by room so the
// seeded chunk cannot overflow once the next sentence is appended.
func overlapSuffix(sentences []string, overlap, room int) ([]string, int) {
	budget := overlap
	if room < budget {
		budget = room
	}
	if budget <= 0 {
		return nil, 0
	}

	total := 0
	cut := len(sentences)
	for i := len(sentences) - 1; i >= 0; i-- {
		add := len([]rune(sentences[i]))
		if total > 0 {
			add++
		}
		if total+add > budget {
			break
		}
		total += add
		cut = i
	}

	if cut == len(sentences) {
		return nil, 0
	}
	seed := make([]string, len(sentences)-cut)
	copy(seed, sentences[cut:])
	return seed, total
}

func isSentenceTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
