package extraction

import (
	"encoding/json"
	"regexp"
	"strings"
)

// RawTextKey holds the model's reply when it could not be read as JSON.
const RawTextKey = "raw_text"

var fencedJSON = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// Result is the outcome of decoding one model reply: either a parsed JSON
// object or the raw text it fell back to.
type Result struct {
	Data   map[string]interface{}
	Raw    string
	Parsed bool
}

// Parsed wraps an already-decoded object.
func Parsed(data map[string]interface{}) Result {
	return Result{Data: data, Parsed: true}
}

// Fallback wraps text that held no JSON object.
func Fallback(raw string) Result {
	return Result{Raw: raw}
}

// Content is the value stored and aggregated for this result.
func (r Result) Content() map[string]interface{} {
	if r.Parsed {
		return r.Data
	}
	return map[string]interface{}{RawTextKey: r.Raw}
}

// Decode reads a model reply leniently. It tries the whole reply, then the
// first fenced code block, then the span from the first '{' to the last '}'.
// Only JSON objects count; anything else becomes a Fallback.
func Decode(content string) Result {
	trimmed := strings.TrimSpace(content)

	if data, ok := decodeObject(trimmed); ok {
		return Parsed(data)
	}
	if m := fencedJSON.FindStringSubmatch(trimmed); m != nil {
		if data, ok := decodeObject(strings.TrimSpace(m[1])); ok {
			return Parsed(data)
		}
	}
	if start, end := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}"); start >= 0 && end > start {
		if data, ok := decodeObject(trimmed[start : end+1]); ok {
			return Parsed(data)
		}
	}
	return Fallback(content)
}

func decodeObject(s string) (map[string]interface{}, bool) {
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(s), &data); err != nil || data == nil {
		return nil, false
	}
	return data, true
}
