// internal/context/engine.go
package context

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/symmetricalboy/msinfo-bot/internal/thread"
	"github.com/symmetricalboy/msinfo-bot/pkg/genai"
)

// Engine assembles token-budgeted conversation context for the
// responder: the nearest ancestors of the event being answered, capped
// by both a post count and a token budget.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxDepth  int
	maxTokens int
}

// New creates a context engine. maxDepth caps how many ancestor posts
// are included; maxTokens caps the total context size.
func New(maxDepth, maxTokens int) (*Engine, error) {
	// cl100k_base approximates token counts closely enough across
	// model families for budgeting.
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("get tokenizer: %w", err)
	}
	if maxDepth <= 0 {
		maxDepth = 25
	}
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &Engine{
		tokenizer: enc,
		maxDepth:  maxDepth,
		maxTokens: maxTokens,
	}, nil
}

// countTokens returns the token count for a string.
func (e *Engine) countTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// Build converts the ancestry chain (oldest first) into responder
// context, dropping oldest posts first when the token budget is
// exceeded. Placeholder ancestors with no text are skipped.
func (e *Engine) Build(ancestors []*thread.Node) []genai.Post {
	if len(ancestors) > e.maxDepth {
		ancestors = ancestors[len(ancestors)-e.maxDepth:]
	}

	// Walk newest to oldest so the posts closest to the event survive
	// when the budget runs out.
	used := 0
	keepFrom := 0
	for i := len(ancestors) - 1; i >= 0; i-- {
		if ancestors[i].Text == "" {
			continue
		}
		tokens := e.countTokens(ancestors[i].Text)
		if used+tokens > e.maxTokens {
			keepFrom = i + 1
			break
		}
		used += tokens
	}

	posts := make([]genai.Post, 0, len(ancestors)-keepFrom)
	for _, node := range ancestors[keepFrom:] {
		if node.Text == "" {
			continue
		}
		posts = append(posts, genai.Post{
			AuthorDID: node.AuthorDID,
			Role:      roleFor(node.Role),
			Text:      node.Text,
		})
	}
	return posts
}

func roleFor(r thread.Role) genai.Role {
	if r == thread.RoleSelf {
		return genai.RoleSelf
	}
	return genai.RoleOther
}
