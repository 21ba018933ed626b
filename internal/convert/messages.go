package convert

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

// The transcript is the internal, format-neutral representation every
// conversion passes through. One parse and one render per format pair keeps
// the six pair combinations from multiplying.

type blockKind int

const (
	blockText blockKind = iota
	blockToolUse
	blockToolResult
	blockThinking
)

type contentBlock struct {
	kind blockKind

	text string

	// tool_use
	toolID   string
	toolName string
	args     map[string]interface{}
	argsRaw  string // preserved when arguments were not valid JSON

	// tool_result
	resultFor     string
	resultContent string

	// thinking
	signature string
}

type chatMessage struct {
	role   string // "user", "assistant", "tool" (OpenAI tool-result carrier)
	blocks []contentBlock
}

func textBlock(s string) contentBlock {
	return contentBlock{kind: blockText, text: s}
}

func (m chatMessage) joinedText() string {
	var parts []string
	for _, b := range m.blocks {
		if b.kind == blockText && b.text != "" {
			parts = append(parts, b.text)
		}
	}
	return strings.Join(parts, "\n")
}

// ===== Parsing =====

func parseMessages(body map[string]interface{}, source Format) ([]chatMessage, string) {
	switch source {
	case FormatGoogle:
		return parseGoogleContents(body)
	case FormatAnthropic:
		return parseAnthropicMessages(body)
	default:
		return parseOpenAIMessages(body)
	}
}

// parseOpenAIMessages reads the OpenAI messages array. System messages are
// pulled out into the returned system string; "tool" role messages become
// tool_result carriers.
func parseOpenAIMessages(body map[string]interface{}) ([]chatMessage, string) {
	rawMessages, _ := body["messages"].([]interface{})
	var out []chatMessage
	var systemParts []string

	for _, raw := range rawMessages {
		msg, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		content := flattenOpenAIContent(msg["content"])

		switch role {
		case "system", "developer":
			if content != "" {
				systemParts = append(systemParts, content)
			}
			continue
		case "tool":
			id, _ := msg["tool_call_id"].(string)
			out = append(out, chatMessage{role: "tool", blocks: []contentBlock{{
				kind:          blockToolResult,
				resultFor:     id,
				resultContent: content,
			}}})
			continue
		}

		m := chatMessage{role: role}
		if content != "" {
			m.blocks = append(m.blocks, textBlock(content))
		}

		if calls, ok := msg["tool_calls"].([]interface{}); ok {
			for _, rawCall := range calls {
				call, ok := rawCall.(map[string]interface{})
				if !ok {
					continue
				}
				fn, _ := call["function"].(map[string]interface{})
				if fn == nil {
					continue
				}
				b := contentBlock{kind: blockToolUse}
				b.toolID, _ = call["id"].(string)
				b.toolName, _ = fn["name"].(string)
				if argStr, ok := fn["arguments"].(string); ok {
					var parsed map[string]interface{}
					if err := json.Unmarshal([]byte(argStr), &parsed); err == nil {
						b.args = parsed
					} else {
						b.argsRaw = argStr
					}
				}
				m.blocks = append(m.blocks, b)
			}
		}

		if len(m.blocks) > 0 {
			out = append(out, m)
		}
	}

	return out, strings.Join(systemParts, "\n\n")
}

// parseAnthropicMessages reads Anthropic messages; the system prompt lives at
// the top level (string or array of text blocks).
func parseAnthropicMessages(body map[string]interface{}) ([]chatMessage, string) {
	rawMessages, _ := body["messages"].([]interface{})
	var out []chatMessage

	for _, raw := range rawMessages {
		msg, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		m := chatMessage{role: role}

		switch content := msg["content"].(type) {
		case string:
			if content != "" {
				m.blocks = append(m.blocks, textBlock(content))
			}
		case []interface{}:
			for _, rawBlock := range content {
				block, ok := rawBlock.(map[string]interface{})
				if !ok {
					continue
				}
				switch block["type"] {
				case "text":
					if t, _ := block["text"].(string); t != "" {
						m.blocks = append(m.blocks, textBlock(t))
					}
				case "tool_use":
					b := contentBlock{kind: blockToolUse}
					b.toolID, _ = block["id"].(string)
					b.toolName, _ = block["name"].(string)
					b.args, _ = block["input"].(map[string]interface{})
					m.blocks = append(m.blocks, b)
				case "tool_result":
					b := contentBlock{kind: blockToolResult}
					b.resultFor, _ = block["tool_use_id"].(string)
					b.resultContent = flattenAnthropicResult(block["content"])
					m.blocks = append(m.blocks, b)
				case "thinking":
					b := contentBlock{kind: blockThinking}
					b.text, _ = block["thinking"].(string)
					b.signature, _ = block["signature"].(string)
					m.blocks = append(m.blocks, b)
				}
			}
		}

		if len(m.blocks) > 0 {
			out = append(out, m)
		}
	}

	system, _ := body["system"].(string)
	if system == "" {
		// Array form: collapse text blocks.
		if blocks, ok := body["system"].([]interface{}); ok {
			var parts []string
			for _, rawBlock := range blocks {
				if block, ok := rawBlock.(map[string]interface{}); ok {
					if t, _ := block["text"].(string); t != "" {
						parts = append(parts, t)
					}
				}
			}
			system = strings.Join(parts, "\n\n")
		}
	}
	return out, system
}

// parseGoogleContents reads the GenAI contents array. Parts collapse to text;
// functionCall / inlineData parts are dropped, not bridged.
func parseGoogleContents(body map[string]interface{}) ([]chatMessage, string) {
	contents, _ := body["contents"].([]interface{})
	var out []chatMessage

	for _, raw := range contents {
		content, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := content["role"].(string)
		if role == "model" {
			role = "assistant"
		}
		if role == "" {
			role = "user"
		}

		m := chatMessage{role: role}
		if text := collapseGoogleParts(content["parts"]); text != "" {
			m.blocks = append(m.blocks, textBlock(text))
		}
		if len(m.blocks) > 0 {
			out = append(out, m)
		}
	}

	system := ""
	if si, ok := body["systemInstruction"].(map[string]interface{}); ok {
		system = collapseGoogleParts(si["parts"])
	}
	return out, system
}

func collapseGoogleParts(rawParts interface{}) string {
	parts, ok := rawParts.([]interface{})
	if !ok {
		return ""
	}
	var texts []string
	for _, rawPart := range parts {
		part, ok := rawPart.(map[string]interface{})
		if !ok {
			continue
		}
		if t, ok := part["text"].(string); ok {
			if t != "" {
				texts = append(texts, t)
			}
			continue
		}
		log.Printf("⚠️ [convert] Dropping non-text Google part (not bridged): keys=%v", mapKeys(part))
	}
	return strings.Join(texts, "\n")
}

// flattenOpenAIContent handles both string and multimodal array content.
func flattenOpenAIContent(raw interface{}) string {
	switch content := raw.(type) {
	case string:
		return content
	case []interface{}:
		var texts []string
		for _, rawPart := range content {
			part, ok := rawPart.(map[string]interface{})
			if !ok {
				continue
			}
			if part["type"] == "text" {
				if t, _ := part["text"].(string); t != "" {
					texts = append(texts, t)
				}
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}

func flattenAnthropicResult(raw interface{}) string {
	switch content := raw.(type) {
	case string:
		return content
	case []interface{}:
		var texts []string
		for _, rawBlock := range content {
			if block, ok := rawBlock.(map[string]interface{}); ok {
				if t, _ := block["text"].(string); t != "" {
					texts = append(texts, t)
				}
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}

// ===== Rendering =====

func renderMessages(body map[string]interface{}, msgs []chatMessage, system string, target Format) {
	switch target {
	case FormatGoogle:
		renderGoogle(body, msgs, system)
	case FormatAnthropic:
		renderAnthropic(body, msgs, system)
	default:
		renderOpenAI(body, msgs, system)
	}
}

// renderOpenAI writes an OpenAI messages array. tool_use blocks become
// tool_calls with JSON-encoded arguments. tool_result blocks are embedded as
// annotated text inside a user message instead of a "tool" role message,
// which some OpenAI-compatible backends reject. Thinking blocks are dropped.
func renderOpenAI(body map[string]interface{}, msgs []chatMessage, system string) {
	out := make([]interface{}, 0, len(msgs)+1)
	if system != "" {
		out = append(out, map[string]interface{}{"role": "system", "content": system})
	}

	for _, m := range msgs {
		var texts []string
		var toolCalls []interface{}

		for _, b := range m.blocks {
			switch b.kind {
			case blockText:
				texts = append(texts, b.text)
			case blockToolUse:
				toolCalls = append(toolCalls, map[string]interface{}{
					"id":   b.toolID,
					"type": "function",
					"function": map[string]interface{}{
						"name":      b.toolName,
						"arguments": encodeArguments(b),
					},
				})
			case blockToolResult:
				texts = append(texts, fmt.Sprintf("[Tool result %s]\n%s", b.resultFor, b.resultContent))
			case blockThinking:
				// Not representable in the OpenAI shape.
			}
		}

		role := m.role
		if role == "tool" {
			// Carrier messages hold only tool results; surface them as user text.
			role = "user"
		}

		msg := map[string]interface{}{"role": role, "content": strings.Join(texts, "\n")}
		if len(toolCalls) > 0 {
			msg["tool_calls"] = toolCalls
		}
		if msg["content"] != "" || len(toolCalls) > 0 {
			out = append(out, msg)
		}
	}

	body["messages"] = out
}

// renderAnthropic writes Anthropic messages. Standalone tool-result carriers
// are buffered and flushed as a single user message of tool_result blocks
// immediately before the next non-tool message (or at the end), preserving
// ordering without producing an unsupported role.
func renderAnthropic(body map[string]interface{}, msgs []chatMessage, system string) {
	out := make([]interface{}, 0, len(msgs))
	var pendingResults []interface{}

	flushResults := func() {
		if len(pendingResults) == 0 {
			return
		}
		out = append(out, map[string]interface{}{
			"role":    "user",
			"content": pendingResults,
		})
		pendingResults = nil
	}

	for _, m := range msgs {
		if m.role == "tool" {
			for _, b := range m.blocks {
				if b.kind != blockToolResult {
					continue
				}
				pendingResults = append(pendingResults, map[string]interface{}{
					"type":        "tool_result",
					"tool_use_id": b.resultFor,
					"content":     b.resultContent,
				})
			}
			continue
		}
		flushResults()

		// Text-only messages keep string content; mixed content uses blocks.
		textOnly := true
		for _, b := range m.blocks {
			if b.kind != blockText {
				textOnly = false
				break
			}
		}
		if textOnly {
			out = append(out, map[string]interface{}{"role": m.role, "content": m.joinedText()})
			continue
		}

		var blocks []interface{}
		for _, b := range m.blocks {
			switch b.kind {
			case blockText:
				blocks = append(blocks, map[string]interface{}{"type": "text", "text": b.text})
			case blockToolUse:
				input := b.args
				if input == nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    b.toolID,
					"name":  b.toolName,
					"input": input,
				})
			case blockToolResult:
				blocks = append(blocks, map[string]interface{}{
					"type":        "tool_result",
					"tool_use_id": b.resultFor,
					"content":     b.resultContent,
				})
			case blockThinking:
				// Retention is decided by CleanThinkingBlocks; emit and let
				// the cleanup pass drop unsigned blocks.
				blocks = append(blocks, map[string]interface{}{
					"type":      "thinking",
					"thinking":  b.text,
					"signature": b.signature,
				})
			}
		}
		out = append(out, map[string]interface{}{"role": m.role, "content": blocks})
	}
	flushResults()

	body["messages"] = out
	if system != "" {
		body["system"] = system
	}
}

// renderGoogle writes a GenAI contents array. Text expands to {text} parts;
// tool blocks are not bridged and collapse to nothing.
func renderGoogle(body map[string]interface{}, msgs []chatMessage, system string) {
	contents := make([]interface{}, 0, len(msgs))
	for _, m := range msgs {
		role := m.role
		if role == "assistant" {
			role = "model"
		}
		if role == "tool" {
			role = "user"
		}

		var parts []interface{}
		for _, b := range m.blocks {
			switch b.kind {
			case blockText:
				parts = append(parts, map[string]interface{}{"text": b.text})
			case blockToolResult:
				parts = append(parts, map[string]interface{}{"text": fmt.Sprintf("[Tool result %s]\n%s", b.resultFor, b.resultContent)})
			case blockToolUse:
				log.Printf("⚠️ [convert] Dropping tool_use block for Google target (not bridged): %s", b.toolName)
			case blockThinking:
				// Dropped for Google targets.
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, map[string]interface{}{"role": role, "parts": parts})
	}

	body["contents"] = contents
	if system != "" {
		body["systemInstruction"] = map[string]interface{}{
			"parts": []interface{}{map[string]interface{}{"text": system}},
		}
	}
}

func encodeArguments(b contentBlock) string {
	if b.args != nil {
		if data, err := json.Marshal(b.args); err == nil {
			return string(data)
		}
	}
	if b.argsRaw != "" {
		return b.argsRaw
	}
	return "{}"
}

func mapKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
