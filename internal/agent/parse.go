package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Parsed is the result of reading agent output: Success(data) when OK,
// ValidationFailure(errors) otherwise. Nothing reads Data unless OK.
type Parsed[T any] struct {
	Data   T
	Errors []string
}

// Success wraps valid data.
func Success[T any](data T) Parsed[T] {
	return Parsed[T]{Data: data}
}

// ValidationFailure wraps parse or validation errors.
func ValidationFailure[T any](errs ...string) Parsed[T] {
	if len(errs) == 0 {
		errs = []string{"invalid output"}
	}
	return Parsed[T]{Errors: errs}
}

// OK reports whether the parse succeeded.
func (p Parsed[T]) OK() bool { return len(p.Errors) == 0 }

// Err converts a failure into a ValidationError, or nil.
func (p Parsed[T]) Err(role string) error {
	if p.OK() {
		return nil
	}
	return &ValidationError{Role: role, Errors: p.Errors}
}

var fencePattern = regexp.MustCompile("(?s)```([a-zA-Z0-9_-]*)[ \t]*\r?\n(.*?)```")

// ExtractFenced returns the body of the first fenced block tagged lang,
// or of the first untagged block. It returns raw trimmed when there is none.
func ExtractFenced(raw, lang string) string {
	var untagged string
	for _, m := range fencePattern.FindAllStringSubmatch(raw, -1) {
		tag := strings.ToLower(m[1])
		if tag == lang {
			return strings.TrimSpace(m[2])
		}
		if tag == "" && untagged == "" {
			untagged = m[2]
		}
	}
	if untagged != "" {
		return strings.TrimSpace(untagged)
	}
	return strings.TrimSpace(raw)
}

// DecodeJSON parses a JSON object out of agent output. It accepts a
// ```json fence, an untagged fence, or an object embedded in prose.
func DecodeJSON[T any](raw string) Parsed[T] {
	body := ExtractFenced(raw, "json")
	if !strings.HasPrefix(body, "{") {
		start := strings.Index(body, "{")
		end := strings.LastIndex(body, "}")
		if start < 0 || end <= start {
			return ValidationFailure[T]("no JSON object in output")
		}
		body = body[start : end+1]
	}

	var out T
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return ValidationFailure[T](fmt.Sprintf("decode JSON: %v", err))
	}
	return Success(out)
}
