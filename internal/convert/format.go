// Package convert rewrites chat request bodies between the three upstream API
// families (OpenAI, Anthropic, Google) and decides when a response should
// trigger fallback to the next entry in a virtual model's chain.
//
// Conversion is stateless and pure: callers pass a decoded JSON body and get
// back a body in the target family's shape. Known limitation: Google parts
// arrays collapse to a single text string on egress, so image and tool
// content is not bridged to/from the Google family.
package convert

import "strings"

// Format identifies one request/response JSON shape family.
type Format string

const (
	FormatOpenAI    Format = "openai"
	FormatAnthropic Format = "anthropic"
	FormatGoogle    Format = "google"
)

// FormatForProvider maps a fallback entry's provider id to its wire format.
// Unknown providers default to the OpenAI-compatible shape.
func FormatForProvider(provider string) Format {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "anthropic", "claude":
		return FormatAnthropic
	case "google", "gemini", "genai", "vertex":
		return FormatGoogle
	default:
		return FormatOpenAI
	}
}

// DetectFormat inspects a request body and classifies its format family.
// Google checks run first because they are the most structurally distinctive;
// ambiguous bodies fall back to the OpenAI-compatible shape, never an error.
func DetectFormat(body map[string]interface{}) Format {
	if body == nil {
		return FormatOpenAI
	}

	// Google: contents / generationConfig are unique to the GenAI shape.
	if _, ok := body["contents"]; ok {
		return FormatGoogle
	}
	if _, ok := body["generationConfig"]; ok {
		return FormatGoogle
	}

	// Anthropic: top-level string system field.
	if _, ok := body["system"].(string); ok {
		return FormatAnthropic
	}

	// Anthropic: message content arrays carrying typed blocks.
	if messages, ok := body["messages"].([]interface{}); ok {
		for _, raw := range messages {
			msg, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			blocks, ok := msg["content"].([]interface{})
			if !ok {
				continue
			}
			for _, rawBlock := range blocks {
				block, ok := rawBlock.(map[string]interface{})
				if !ok {
					continue
				}
				switch block["type"] {
				case "tool_use", "tool_result", "thinking":
					return FormatAnthropic
				}
			}
		}
	}

	return FormatOpenAI
}
