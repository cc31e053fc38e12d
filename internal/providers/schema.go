package providers

import "strings"

// Schema keys that some providers reject. Gemini's OpenAI-compatible
// endpoint returns HTTP 400 on unknown JSON-schema keywords.
var geminiUnsupportedKeys = map[string]bool{
	"$schema":              true,
	"additionalProperties": true,
	"default":              true,
	"exclusiveMaximum":     true,
	"exclusiveMinimum":     true,
}

// CleanSchemaForProvider strips schema keywords the target provider
// rejects. The input map is not mutated.
func CleanSchemaForProvider(provider string, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}

	strict := strings.Contains(strings.ToLower(provider), "gemini")
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if strict && geminiUnsupportedKeys[k] {
			continue
		}
		if k == "$schema" {
			continue
		}
		out[k] = cleanSchemaValue(provider, v)
	}
	return out
}

func cleanSchemaValue(provider string, v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CleanSchemaForProvider(provider, val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cleanSchemaValue(provider, item)
		}
		return out
	default:
		return v
	}
}

// CleanToolSchemas converts tool definitions to the OpenAI wire format
// with provider-cleaned parameter schemas.
func CleanToolSchemas(provider string, tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  CleanSchemaForProvider(provider, t.Function.Parameters),
			},
		})
	}
	return out
}
