package convert

import "encoding/json"

// ConvertRequest rewrites body from the source family's shape into the
// target's: message array, system/instruction convention, generation
// parameters, tool declarations, then a strip pass for fields the target
// format rejects. Passing an empty source runs detection first. The input map
// is mutated and returned.
func ConvertRequest(body map[string]interface{}, source, target Format) map[string]interface{} {
	if body == nil {
		return body
	}
	if source == "" {
		source = DetectFormat(body)
	}

	if source != target {
		msgs, system := parseMessages(body, source)
		decls := extractTools(body, source)
		params := extractParams(body, source)

		clearMessageFields(body)
		clearParamFields(body)

		renderMessages(body, msgs, system, target)
		applyParams(body, params, target)
		applyTools(body, decls, target)
		convertToolChoice(body, source, target)
	}

	CleanThinkingBlocks(body, target)
	stripIllegalFields(body, target)
	return body
}

// CleanThinkingBlocks removes thinking blocks from Anthropic-shaped message
// content. A block survives only when the target is Anthropic and it carries
// a non-empty signature. Safe to call standalone on any body.
func CleanThinkingBlocks(body map[string]interface{}, target Format) {
	messages, ok := body["messages"].([]interface{})
	if !ok {
		return
	}

	for _, raw := range messages {
		msg, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		blocks, ok := msg["content"].([]interface{})
		if !ok {
			continue
		}

		kept := make([]interface{}, 0, len(blocks))
		for _, rawBlock := range blocks {
			block, ok := rawBlock.(map[string]interface{})
			if ok && block["type"] == "thinking" {
				sig, _ := block["signature"].(string)
				if target != FormatAnthropic || sig == "" {
					continue
				}
			}
			kept = append(kept, rawBlock)
		}
		msg["content"] = kept
	}
}

// Clone deep-copies a request body so each fallback attempt converts from the
// original client payload, not an already-rewritten one. A nil body clones to
// an empty, writable map; callers set fields on the result unconditionally.
func Clone(body map[string]interface{}) map[string]interface{} {
	if body == nil {
		return map[string]interface{}{}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

func clearMessageFields(body map[string]interface{}) {
	delete(body, "messages")
	delete(body, "contents")
	delete(body, "system")
	delete(body, "systemInstruction")
}

func clearParamFields(body map[string]interface{}) {
	for _, key := range []string{
		"temperature", "top_p", "top_k", "max_tokens", "max_completion_tokens",
		"stop", "stop_sequences", "generationConfig",
	} {
		delete(body, key)
	}
}

// stripIllegalFields removes fields the target format rejects. Unknown fields
// not on the deny list are forwarded untouched.
func stripIllegalFields(body map[string]interface{}, target Format) {
	var illegal []string
	switch target {
	case FormatGoogle:
		illegal = []string{
			"messages", "system", "temperature", "top_p", "top_k",
			"max_tokens", "max_completion_tokens", "stop", "stop_sequences",
			"n", "presence_penalty", "frequency_penalty", "logprobs",
			"top_logprobs", "logit_bias", "response_format", "seed", "user",
			"anthropic_version", "metadata", "thinking",
		}
	case FormatAnthropic:
		illegal = []string{
			"contents", "generationConfig", "systemInstruction", "toolConfig",
			"n", "presence_penalty", "frequency_penalty", "logprobs",
			"top_logprobs", "logit_bias", "response_format", "seed", "user",
			"stop", "max_completion_tokens",
		}
	default: // OpenAI
		illegal = []string{
			"contents", "generationConfig", "systemInstruction", "toolConfig",
			"system", "top_k", "stop_sequences", "anthropic_version",
			"thinking", "metadata",
		}
	}
	for _, key := range illegal {
		delete(body, key)
	}
}
