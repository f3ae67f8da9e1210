package orchestrator

import "github.com/skipperhq/skipper/internal/llm"

// NormalizeMessages prepares a conversation for the model: the first
// system message stays at position 0, adjacent user/assistant messages of
// the same role are merged with a blank-line separator, and tool messages
// pass through where they are. A tool message breaks adjacency, and an
// assistant message carrying tool calls is never merged into, so tool
// results stay attached to the calls that produced them.
func NormalizeMessages(msgs []llm.Message) []llm.Message {
	var out []llm.Message
	var system *llm.Message
	lastChat := -1 // index in out of the last adjacent user/assistant message

	for _, m := range msgs {
		switch m.Role {
		case "system":
			if system == nil {
				sys := m
				system = &sys
			}
			continue
		case "tool":
			out = append(out, m)
			lastChat = -1
			continue
		}

		if lastChat >= 0 && out[lastChat].Role == m.Role &&
			len(out[lastChat].ToolCalls) == 0 && len(m.ToolCalls) == 0 {
			merged := &out[lastChat]
			if merged.Content != "" && m.Content != "" {
				merged.Content += "\n\n" + m.Content
			} else {
				merged.Content += m.Content
			}
			continue
		}

		out = append(out, m)
		lastChat = len(out) - 1
	}

	if system != nil {
		return append([]llm.Message{*system}, out...)
	}
	return out
}
