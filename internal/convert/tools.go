package convert

// Tool declaration conversion. All three families describe functions with a
// name, a description, and a JSON-schema parameter object; only the wrapping
// differs.

type toolDecl struct {
	name        string
	description string
	parameters  map[string]interface{}
}

func extractTools(body map[string]interface{}, source Format) []toolDecl {
	rawTools, _ := body["tools"].([]interface{})
	var decls []toolDecl

	for _, raw := range rawTools {
		tool, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		switch source {
		case FormatGoogle:
			fds, _ := tool["functionDeclarations"].([]interface{})
			for _, rawFD := range fds {
				fd, ok := rawFD.(map[string]interface{})
				if !ok {
					continue
				}
				decls = append(decls, declFrom(fd, "parameters"))
			}
		case FormatAnthropic:
			decls = append(decls, declFrom(tool, "input_schema"))
		default: // OpenAI
			if tool["type"] != "function" {
				continue
			}
			fn, _ := tool["function"].(map[string]interface{})
			if fn == nil {
				continue
			}
			decls = append(decls, declFrom(fn, "parameters"))
		}
	}
	return decls
}

func declFrom(m map[string]interface{}, schemaKey string) toolDecl {
	d := toolDecl{}
	d.name, _ = m["name"].(string)
	d.description, _ = m["description"].(string)
	d.parameters, _ = m[schemaKey].(map[string]interface{})
	return d
}

func applyTools(body map[string]interface{}, decls []toolDecl, target Format) {
	if len(decls) == 0 {
		delete(body, "tools")
		return
	}

	switch target {
	case FormatGoogle:
		fds := make([]interface{}, 0, len(decls))
		for _, d := range decls {
			fds = append(fds, map[string]interface{}{
				"name":        d.name,
				"description": d.description,
				"parameters":  scrubSchema(d.parameters),
			})
		}
		body["tools"] = []interface{}{
			map[string]interface{}{"functionDeclarations": fds},
		}

	case FormatAnthropic:
		tools := make([]interface{}, 0, len(decls))
		for _, d := range decls {
			schema := d.parameters
			if schema == nil {
				schema = map[string]interface{}{"type": "object"}
			}
			tools = append(tools, map[string]interface{}{
				"name":         d.name,
				"description":  d.description,
				"input_schema": schema,
			})
		}
		body["tools"] = tools

	default: // OpenAI
		tools := make([]interface{}, 0, len(decls))
		for _, d := range decls {
			tools = append(tools, map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        d.name,
					"description": d.description,
					"parameters":  d.parameters,
				},
			})
		}
		body["tools"] = tools
	}
}

// convertToolChoice maps the source family's function-calling mode onto the
// target; unmappable values are dropped.
func convertToolChoice(body map[string]interface{}, source, target Format) {
	mode := "" // "auto", "any", "none"

	switch source {
	case FormatGoogle:
		if tc, ok := body["toolConfig"].(map[string]interface{}); ok {
			if fcc, ok := tc["functionCallingConfig"].(map[string]interface{}); ok {
				switch fcc["mode"] {
				case "AUTO", "VALIDATED":
					mode = "auto"
				case "ANY":
					mode = "any"
				case "NONE":
					mode = "none"
				}
			}
		}
	case FormatAnthropic:
		if tc, ok := body["tool_choice"].(map[string]interface{}); ok {
			switch tc["type"] {
			case "auto":
				mode = "auto"
			case "any", "tool":
				mode = "any"
			case "none":
				mode = "none"
			}
		}
	default:
		switch tc := body["tool_choice"].(type) {
		case string:
			switch tc {
			case "auto":
				mode = "auto"
			case "required":
				mode = "any"
			case "none":
				mode = "none"
			}
		case map[string]interface{}:
			mode = "any"
		}
	}

	delete(body, "tool_choice")
	delete(body, "toolConfig")
	if mode == "" {
		return
	}
	if _, hasTools := body["tools"]; !hasTools {
		return
	}

	switch target {
	case FormatGoogle:
		gmode := map[string]string{"auto": "AUTO", "any": "ANY", "none": "NONE"}[mode]
		body["toolConfig"] = map[string]interface{}{
			"functionCallingConfig": map[string]interface{}{"mode": gmode},
		}
	case FormatAnthropic:
		if mode == "none" {
			return // Anthropic has no none mode; omit tools choice entirely.
		}
		body["tool_choice"] = map[string]interface{}{"type": mode}
	default:
		omode := map[string]string{"auto": "auto", "any": "required", "none": "none"}[mode]
		body["tool_choice"] = omode
	}
}

// scrubSchema removes JSON-schema fields the Google family rejects
// (additionalProperties, strict, $schema), recursively.
func scrubSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	result := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if k == "additionalProperties" || k == "strict" || k == "$schema" {
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			result[k] = scrubSchema(nested)
		} else {
			result[k] = v
		}
	}
	return result
}
