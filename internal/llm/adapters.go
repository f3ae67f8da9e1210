package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/skipperhq/skipper/internal/trace"
)

// textToolCallRe matches the text-format tool-call convention some local
// models emit instead of structured tool calls:
//
//	TOOL_CALL: tool_name {"arg": "value"}
var textToolCallRe = regexp.MustCompile(`(?m)^\s*TOOL_CALL:\s*([a-zA-Z0-9_.-]+)\s*(\{.*\})?\s*$`)

// ParseTextToolCalls scans assistant text for TOOL_CALL lines and returns
// the parsed calls plus the text with those lines removed. Lines whose
// argument payload is not valid JSON are left in the text untouched.
func ParseTextToolCalls(content string) ([]ToolCall, string) {
	matches := textToolCallRe.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return nil, content
	}

	var calls []ToolCall
	var kept strings.Builder
	last := 0
	for i, m := range matches {
		name := content[m[2]:m[3]]
		args := "{}"
		if m[4] >= 0 {
			args = content[m[4]:m[5]]
		}
		if !json.Valid([]byte(args)) {
			continue
		}
		kept.WriteString(content[last:m[0]])
		last = m[1]
		calls = append(calls, ToolCall{
			ID:        fmt.Sprintf("text-call-%d", i),
			Name:      name,
			Arguments: args,
		})
	}
	kept.WriteString(content[last:])
	if len(calls) == 0 {
		return nil, content
	}
	return calls, strings.TrimSpace(kept.String())
}

// ExtractJSON pulls a JSON object out of model output that may wrap it in
// markdown fences or surrounding prose. It returns the first balanced
// top-level object found.
func ExtractJSON(content string) (string, bool) {
	s := strings.TrimSpace(content)

	// Strip a ```json ... ``` or ``` ... ``` fence if the whole payload is fenced.
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if json.Valid([]byte(candidate)) {
					return candidate, true
				}
				return "", false
			}
		}
	}
	return "", false
}

// RespondStructured calls the model expecting a JSON object response and
// decodes it into out. The raw response is returned alongside so callers
// can log or fall back on parse failure.
func (c *Client) RespondStructured(ctx context.Context, role Role, messages []Message, opts Options, tc trace.Context, out any) (*Response, error) {
	opts.JSONResponse = true
	resp, err := c.Respond(ctx, role, messages, opts, tc)
	if err != nil {
		return nil, err
	}

	payload, ok := ExtractJSON(resp.Content)
	if !ok {
		return resp, &Error{Kind: KindInvalidResponse, Role: role,
			Err: fmt.Errorf("no JSON object in model output")}
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return resp, &Error{Kind: KindInvalidResponse, Role: role,
			Err: fmt.Errorf("decode structured output: %w", err)}
	}
	return resp, nil
}
