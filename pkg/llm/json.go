package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned when no JSON object can be recovered from a
// model response.
var ErrNoJSON = errors.New("no JSON object in response")

// ExtractJSON recovers a JSON object from a model response using three
// strategies in order: the whole response, a ```json fenced block, and
// the outermost brace pair. Models in JSON mode usually pass the first;
// the fallbacks absorb chatty responses.
func ExtractJSON(raw string) (json.RawMessage, error) {
	text := strings.TrimSpace(raw)

	if json.Valid([]byte(text)) && strings.HasPrefix(text, "{") {
		return json.RawMessage(text), nil
	}

	if idx := strings.Index(text, "```json"); idx != -1 {
		rest := text[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end != -1 {
			candidate := strings.TrimSpace(rest[:end])
			if json.Valid([]byte(candidate)) {
				return json.RawMessage(candidate), nil
			}
		}
	}

	first := strings.Index(text, "{")
	last := strings.LastIndex(text, "}")
	if first != -1 && last > first {
		candidate := text[first : last+1]
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), nil
		}
	}

	return nil, ErrNoJSON
}

// DecodeJSON extracts a JSON object from raw and unmarshals it into v.
func DecodeJSON(raw string, v any) error {
	obj, err := ExtractJSON(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(obj, v)
}
