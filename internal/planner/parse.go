package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	errNoJSON     = errors.New("no JSON found in response")
	errEmptyPlan  = errors.New("plan contains no steps")
	codeFenceExpr = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*[ \t]*\r?\n?(.*?)```")
)

// parsedPlan is the raw decoding result before titles and orders are cleaned.
type parsedPlan struct {
	Reasoning    string
	HasReasoning bool
	Steps        []planDocStep
}

// parsePlanResponse runs the staged extraction over a model response:
// a code fence wrapping the JSON is stripped, then the first balanced JSON
// object or array is decoded and checked against the plan schema. When the
// fence body holds no valid plan the raw response is scanned as well.
func parsePlanResponse(response string) (parsedPlan, error) {
	text := stripCodeFences(response)
	plan, err := extractPlan(text)
	if err == nil {
		return plan, nil
	}
	if raw := strings.TrimSpace(response); raw != text {
		if plan, rawErr := extractPlan(raw); rawErr == nil {
			return plan, nil
		}
	}
	return parsedPlan{}, err
}

func extractPlan(text string) (parsedPlan, error) {
	if strings.TrimSpace(text) == "" {
		return parsedPlan{}, errNoJSON
	}

	objStart := strings.IndexByte(text, '{')
	arrStart := strings.IndexByte(text, '[')
	order := []byte{'{', '['}
	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		order = []byte{'[', '{'}
	}

	var lastErr error = errNoJSON
	for _, open := range order {
		segment, ok := firstBalanced(text, open)
		if !ok {
			continue
		}
		var (
			plan parsedPlan
			err  error
		)
		if open == '{' {
			plan, err = decodeObject(segment)
		} else {
			plan, err = decodeArray(segment)
		}
		if err == nil {
			return plan, nil
		}
		lastErr = err
	}
	return parsedPlan{}, lastErr
}

func decodeObject(segment string) (parsedPlan, error) {
	if err := ValidatePlanDocument([]byte(segment)); err != nil {
		return parsedPlan{}, err
	}
	var doc planDocument
	if err := json.Unmarshal([]byte(segment), &doc); err != nil {
		return parsedPlan{}, fmt.Errorf("decode plan object: %w", err)
	}
	if len(doc.Steps) == 0 {
		return parsedPlan{}, errEmptyPlan
	}
	plan := parsedPlan{Steps: doc.Steps, HasReasoning: true, Reasoning: placeholderReasoning}
	if doc.Reasoning != nil && strings.TrimSpace(*doc.Reasoning) != "" {
		plan.Reasoning = *doc.Reasoning
	}
	return plan, nil
}

func decodeArray(segment string) (parsedPlan, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(segment), &items); err != nil {
		return parsedPlan{}, fmt.Errorf("decode plan array: %w", err)
	}
	if len(items) == 0 {
		return parsedPlan{}, errEmptyPlan
	}
	wrapped, err := json.Marshal(map[string]interface{}{"steps": items})
	if err != nil {
		return parsedPlan{}, fmt.Errorf("wrap plan array: %w", err)
	}
	if err := ValidatePlanDocument(wrapped); err != nil {
		return parsedPlan{}, err
	}
	var steps []planDocStep
	if err := json.Unmarshal([]byte(segment), &steps); err != nil {
		return parsedPlan{}, fmt.Errorf("decode plan array: %w", err)
	}
	return parsedPlan{Steps: steps}, nil
}

// stripCodeFences returns the body of the first Markdown code fence when
// that fence opens before any JSON bracket, and the trimmed input otherwise.
// Fences that appear inside the JSON, e.g. in a step input, are left alone.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	fence := strings.Index(s, "```")
	if fence < 0 {
		return s
	}
	if bracket := strings.IndexAny(s, "{["); bracket >= 0 && bracket < fence {
		return s
	}
	if m := codeFenceExpr.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	// unterminated fence, typically a truncated response
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			return s[nl+1:]
		}
		return ""
	}
	return s
}

// firstBalanced finds the first open byte and returns the text up to its
// matching close. Brackets inside JSON string literals are ignored.
func firstBalanced(s string, open byte) (string, bool) {
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}
	start := strings.IndexByte(s, open)
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
