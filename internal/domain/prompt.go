package domain

import (
	"fmt"
	"strings"
)

// PromptContext is the assembled context for one backend call. Ephemeral:
// built per request by the retriever, rendered to messages, never persisted.
type PromptContext struct {
	System      string
	Hits        []SimilarityHit // best similarity rank first
	Recent      []Turn          // chronological
	Query       InboundMessage
	QueryVector []float32 // embedding of Query.Text, reused when persisting
}

// Messages renders the context in prompt order: system preamble with the
// similarity hits folded in, then the recent window, then the new message.
func (pc *PromptContext) Messages() []Message {
	msgs := make([]Message, 0, len(pc.Recent)+2)

	system := pc.System
	if len(pc.Hits) > 0 {
		var sb strings.Builder
		sb.WriteString(system)
		sb.WriteString("\n\nRelevant earlier conversation:\n")
		for i, h := range pc.Hits {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, h.SourceText)
		}
		system = sb.String()
	}
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}

	for _, t := range pc.Recent {
		msgs = append(msgs, Message{Role: t.Role, Content: t.Text})
	}

	msgs = append(msgs, Message{Role: RoleUser, Content: pc.Query.Text})
	return msgs
}

// TokenCount estimates the total tokens the rendered context will occupy.
func (pc *PromptContext) TokenCount() int {
	total := EstimateTokens(pc.System) + EstimateTokens(pc.Query.Text)
	for _, h := range pc.Hits {
		total += EstimateTokens(h.SourceText)
	}
	for _, t := range pc.Recent {
		if t.TokenCount > 0 {
			total += t.TokenCount
		} else {
			total += EstimateTokens(t.Text)
		}
	}
	return total
}
