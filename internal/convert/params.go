package convert

// Generation parameter normalization. The max-token field name varies per
// family and the sampling bounds differ; out-of-range values are dropped
// rather than clamped so the upstream default applies.

type genParams struct {
	temperature   *float64
	topP          *float64
	topK          *int
	maxTokens     *int
	stopSequences []string
}

func extractParams(body map[string]interface{}, source Format) genParams {
	var p genParams

	if source == FormatGoogle {
		gc, _ := body["generationConfig"].(map[string]interface{})
		if gc == nil {
			return p
		}
		p.temperature = floatField(gc, "temperature")
		p.topP = floatField(gc, "topP")
		p.topK = intField(gc, "topK")
		p.maxTokens = intField(gc, "maxOutputTokens")
		p.stopSequences = stringSlice(gc["stopSequences"])
		return p
	}

	p.temperature = floatField(body, "temperature")
	p.topP = floatField(body, "top_p")
	p.topK = intField(body, "top_k")
	p.maxTokens = intField(body, "max_tokens")
	if p.maxTokens == nil {
		p.maxTokens = intField(body, "max_completion_tokens")
	}
	if source == FormatAnthropic {
		p.stopSequences = stringSlice(body["stop_sequences"])
	} else {
		switch stop := body["stop"].(type) {
		case string:
			p.stopSequences = []string{stop}
		case []interface{}:
			p.stopSequences = stringSlice(stop)
		}
	}
	return p
}

// validate drops out-of-range values. Temperature tops out at 1.0 for the
// Anthropic family and 2.0 elsewhere; top_p is a probability; top_k must be a
// positive integer.
func (p *genParams) validate(target Format) {
	maxTemp := 2.0
	if target == FormatAnthropic {
		maxTemp = 1.0
	}
	if p.temperature != nil && (*p.temperature < 0 || *p.temperature > maxTemp) {
		p.temperature = nil
	}
	if p.topP != nil && (*p.topP < 0 || *p.topP > 1) {
		p.topP = nil
	}
	if p.topK != nil && *p.topK < 1 {
		p.topK = nil
	}
	if p.maxTokens != nil && *p.maxTokens < 1 {
		p.maxTokens = nil
	}
}

func applyParams(body map[string]interface{}, p genParams, target Format) {
	p.validate(target)

	switch target {
	case FormatGoogle:
		gc := map[string]interface{}{}
		if p.temperature != nil {
			gc["temperature"] = *p.temperature
		}
		if p.topP != nil {
			gc["topP"] = *p.topP
		}
		if p.topK != nil {
			gc["topK"] = *p.topK
		}
		if p.maxTokens != nil {
			gc["maxOutputTokens"] = *p.maxTokens
		}
		if len(p.stopSequences) > 0 {
			gc["stopSequences"] = toInterfaceSlice(p.stopSequences)
		}
		if len(gc) > 0 {
			body["generationConfig"] = gc
		}

	case FormatAnthropic:
		if p.temperature != nil {
			body["temperature"] = *p.temperature
		}
		if p.topP != nil {
			body["top_p"] = *p.topP
		}
		if p.topK != nil {
			body["top_k"] = *p.topK
		}
		// max_tokens is required by the Anthropic API.
		maxTokens := 4096
		if p.maxTokens != nil {
			maxTokens = *p.maxTokens
		}
		body["max_tokens"] = maxTokens
		if len(p.stopSequences) > 0 {
			body["stop_sequences"] = toInterfaceSlice(p.stopSequences)
		}

	default: // OpenAI
		if p.temperature != nil {
			body["temperature"] = *p.temperature
		}
		if p.topP != nil {
			body["top_p"] = *p.topP
		}
		if p.maxTokens != nil {
			body["max_tokens"] = *p.maxTokens
		}
		if len(p.stopSequences) > 0 {
			body["stop"] = toInterfaceSlice(p.stopSequences)
		}
	}
}

func floatField(m map[string]interface{}, key string) *float64 {
	switch v := m[key].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	}
	return nil
}

func intField(m map[string]interface{}, key string) *int {
	switch v := m[key].(type) {
	case float64:
		n := int(v)
		return &n
	case int:
		n := v
		return &n
	}
	return nil
}

func stringSlice(raw interface{}) []string {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toInterfaceSlice(items []string) []interface{} {
	out := make([]interface{}, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}
