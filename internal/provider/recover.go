package provider

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/wardenlabs/warden/pkg/models"
)

// Some function-calling backends reject their own malformed tool syntax with
// a tool_use_failed error that echoes the generated text. The patterns below
// are tried in order against that text; the first that yields at least one
// parseable call wins.
var (
	// <function=NAME>JSON</function>, JSON possibly empty.
	fnTagPattern = regexp.MustCompile(`(?s)<function=([\w.-]+)>(.*?)</function>`)

	// <function=NAME{...}</function> with the closing > of the open tag missing.
	fnTagNoClosePattern = regexp.MustCompile(`(?s)<function=([\w.-]+?)(\{.*?\})</function>`)

	// Bare NAME={...}.
	bareAssignPattern = regexp.MustCompile(`(?s)\b([A-Za-z_][\w.-]*)\s*=\s*(\{.*\})`)

	// NAME({...}).
	callStylePattern = regexp.MustCompile(`(?s)\b([A-Za-z_][\w.-]*)\s*\(\s*(\{.*\})\s*\)`)
)

// RecoverToolCalls parses the echoed text of a tool_use_failed error and
// synthesizes the response the model was trying to produce. Text before the
// first <function= marker is preserved as a leading text block. Returns nil
// when nothing recoverable is found.
func RecoverToolCalls(body string) *models.ModelResponse {
	var content []models.ContentBlock

	if idx := strings.Index(body, "<function="); idx >= 0 {
		if leading := strings.TrimSpace(body[:idx]); leading != "" {
			content = append(content, models.TextBlock(leading))
		}
		tagged := body[idx:]

		uses := recoverTagged(fnTagPattern, tagged)
		if len(uses) == 0 {
			uses = recoverTagged(fnTagNoClosePattern, tagged)
		}
		if len(uses) == 0 {
			return nil
		}
		content = append(content, uses...)
	} else {
		use := recoverBare(body)
		if use == nil {
			return nil
		}
		content = append(content, *use)
	}

	return &models.ModelResponse{
		Content:    content,
		StopReason: models.StopToolUse,
	}
}

func recoverTagged(pattern *regexp.Regexp, text string) []models.ContentBlock {
	var uses []models.ContentBlock
	for _, m := range pattern.FindAllStringSubmatch(text, -1) {
		input, ok := repairJSON(m[2])
		if !ok {
			continue
		}
		uses = append(uses, models.ToolUseBlock(uuid.NewString(), m[1], input))
	}
	return uses
}

func recoverBare(body string) *models.ContentBlock {
	for _, pattern := range []*regexp.Regexp{bareAssignPattern, callStylePattern} {
		m := pattern.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		input, ok := repairJSON(m[2])
		if !ok {
			continue
		}
		use := models.ToolUseBlock(uuid.NewString(), m[1], input)
		return &use
	}
	return nil
}

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// repairJSON normalizes a recovered argument fragment into canonical compact
// JSON. Empty input means no arguments. Repairs, in order: strip trailing >,
// drop trailing commas, unescape quotes.
func repairJSON(raw string) (json.RawMessage, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimRight(s, ">")
	s = strings.TrimSpace(s)
	if s == "" {
		return json.RawMessage(`{}`), true
	}

	if out, ok := compactObject(s); ok {
		return out, true
	}
	s = trailingComma.ReplaceAllString(s, "$1")
	if out, ok := compactObject(s); ok {
		return out, true
	}
	s = strings.ReplaceAll(s, `\"`, `"`)
	if out, ok := compactObject(s); ok {
		return out, true
	}
	return nil, false
}

func compactObject(s string) (json.RawMessage, bool) {
	var probe map[string]any
	if err := json.Unmarshal([]byte(s), &probe); err != nil {
		return nil, false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return nil, false
	}
	return json.RawMessage(buf.Bytes()), true
}
