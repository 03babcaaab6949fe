package llm

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// ParseResult is the outcome of extracting a JSON document from model
// output. When Valid is false, JSON is nil and Err says why.
type ParseResult struct {
	JSON  json.RawMessage
	Valid bool
	Err   error
}

// ParseJSON strips markdown code fences and surrounding prose from raw and
// returns the first complete JSON object or array it contains.
func ParseJSON(raw string) ParseResult {
	text := stripFences(strings.TrimSpace(raw))
	if text == "" {
		return ParseResult{Err: ErrEmptyResponse}
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ParseResult{Err: ErrInvalidResponse}
	}

	dec := json.NewDecoder(strings.NewReader(text[start:]))
	var doc json.RawMessage
	if err := dec.Decode(&doc); err != nil {
		return ParseResult{Err: ErrInvalidResponse}
	}
	return ParseResult{JSON: doc, Valid: true}
}

// stripFences removes a ```json ... ``` wrapper if present.
func stripFences(text string) string {
	open := strings.Index(text, "```")
	if open < 0 {
		return text
	}
	body := text[open+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		lang := strings.TrimSpace(body[:nl])
		if lang == "" || !strings.ContainsAny(lang, "{[") {
			body = body[nl+1:]
		}
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// flexInt decodes a JSON number or numeric string.
type flexInt struct {
	Value *int
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) || len(data) == 0 {
		return nil
	}

	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil
		}
		n = parsed
	}

	v := int(n + 0.5)
	if n < 0 {
		v = int(n - 0.5)
	}
	f.Value = &v
	return nil
}

// flexBool decodes a JSON bool or a "true"/"yes" style string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes", "y", "1":
			*f = true
		}
	}
	return nil
}

// flexStrings decodes either a string array or a single comma separated string.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*f = list
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				*f = append(*f, part)
			}
		}
	}
	return nil
}
