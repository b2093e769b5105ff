package vector

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/tracefold/engsync/internal/domain"
)

var (
	encOnce sync.Once
	encoder *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})
	return encoder
}

// CanonicalText is the deterministic text projection of a normalized row.
// Same row, same text; the embed stage counts on this for idempotent
// re-vectorization. Output is capped at maxTokens (0 means uncapped).
func CanonicalText(table string, src domain.EmbeddingSource, maxTokens int) string {
	var b strings.Builder
	b.WriteString(src.Title)
	if src.Body != "" {
		b.WriteString("\n\n")
		b.WriteString(src.Body)
	}
	extra := nonEmpty(src.Extra)
	if len(extra) > 0 {
		b.WriteString("\n\n")
		b.WriteString(extraLabel(table))
		b.WriteString(": ")
		b.WriteString(strings.Join(extra, ", "))
	}
	return capTokens(b.String(), maxTokens)
}

func extraLabel(table string) string {
	switch table {
	case domain.TableWorkItems:
		return "attributes"
	case domain.TablePullRequests:
		return "context"
	case domain.TableChangelogEntries, domain.TableCommits,
		domain.TableReviews, domain.TableReviewComments:
		return "author"
	default:
		return "details"
	}
}

func nonEmpty(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

// capTokens truncates text to maxTokens using the cl100k_base encoding,
// falling back to a rune cap if the encoding is unavailable.
func capTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	enc := encoding()
	if enc == nil {
		runes := []rune(text)
		// ~4 chars per token is the usual estimate.
		if len(runes) > maxTokens*4 {
			return string(runes[:maxTokens*4])
		}
		return text
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return enc.Decode(tokens[:maxTokens])
}
