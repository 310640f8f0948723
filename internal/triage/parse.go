package triage

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var fenceRe = regexp.MustCompile("```(?:json)?\\s*|\\s*```")

// DecodeModelJSON decodes a JSON object from model output into v.
//
// Output that is not a bare JSON object gets one repair pass: markdown fences
// are stripped and the text is cut to the span between the first '{' and the
// last '}'. Anything still undecodable is a *ResponseParseError.
func DecodeModelJSON(stage Stage, raw string, v any) error {
	candidate := strings.TrimSpace(raw)
	if !isObject(candidate) {
		candidate = repairResponse(raw)
	}
	if !isObject(candidate) {
		return &ResponseParseError{Stage: stage, Excerpt: excerpt(raw), Err: errors.New("no JSON object found")}
	}
	if err := json.Unmarshal([]byte(candidate), v); err != nil {
		return &ResponseParseError{Stage: stage, Excerpt: excerpt(raw), Err: err}
	}
	return nil
}

func isObject(s string) bool {
	return strings.HasPrefix(s, "{") && json.Valid([]byte(s))
}

func repairResponse(raw string) string {
	s := fenceRe.ReplaceAllString(raw, "")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return strings.TrimSpace(s)
}

func excerpt(raw string) string {
	r := []rune(raw)
	if len(r) <= maxExcerpt {
		return raw
	}
	return string(r[:maxExcerpt])
}
