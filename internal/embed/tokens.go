package embed

import (
	"context"
	"unicode/utf8"
)

// CharsPerToken is the ratio HeuristicTokenCounter assumes.
const CharsPerToken = 4

// HeuristicTokenCounter estimates tokens as ceil(runes / CharsPerToken).
// Good enough for budgeting chunk sizes without a model-specific tokenizer.
type HeuristicTokenCounter struct{}

// CountTokens implements TokenCounter.
func (HeuristicTokenCounter) CountTokens(ctx context.Context, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := utf8.RuneCountInString(text)
	return (n + CharsPerToken - 1) / CharsPerToken, nil
}

var _ TokenCounter = HeuristicTokenCounter{}
