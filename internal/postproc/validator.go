// Package postproc validates raw model output and turns it into an
// acceptable artifact payload. The pipeline short-circuits on the first
// failure: parse, schema, category syntax, identity consistency, then a
// placeholder randomization pass on accepted payloads.
package postproc

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"personaforge/pkg/models"
)

// Outcome is the result of validating one raw model result.
type Outcome struct {
	Accepted bool
	Payload  map[string]interface{}
	Title    string
	Reason   models.RejectReason
	Detail   string
}

func rejected(reason models.RejectReason, detail string) Outcome {
	return Outcome{Reason: reason, Detail: detail}
}

// Validator checks raw results against a category schema and a persona's
// canonical identity. It never retries; re-issuing a rejected request is the
// scheduler's decision.
type Validator struct{}

// NewValidator creates a Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate runs the full pipeline. The seed drives the placeholder
// randomization pass so repeated categories do not collide on identical
// literals; an already-clean payload passes through unchanged, which makes
// re-validation of an accepted payload idempotent.
func (v *Validator) Validate(raw string, category models.Category, p *models.Persona, seed int64) Outcome {
	payload, err := parsePayload(raw)
	if err != nil {
		return rejected(models.RejectMalformed, err.Error())
	}

	schema := models.SchemaFor(category)
	if schema == nil {
		return rejected(models.RejectSchemaViolation, fmt.Sprintf("unknown category %q", category))
	}
	if detail := checkSchema(schema, payload); detail != "" {
		return rejected(models.RejectSchemaViolation, detail)
	}

	if detail := checkSyntax(category, payload); detail != "" {
		return rejected(models.RejectSyntaxInvalid, detail)
	}

	if detail := checkIdentity(p, payload); detail != "" {
		return rejected(models.RejectIdentityDrift, detail)
	}

	payload = randomize(payload, p, seed)

	title, _ := payload["title"].(string)
	return Outcome{Accepted: true, Payload: payload, Title: title}
}

// parsePayload parses raw text as one JSON object, tolerating prose or code
// fences around the outermost value.
func parsePayload(raw string) (map[string]interface{}, error) {
	clipped := clipJSON(raw)
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(clipped), &payload); err != nil {
		return nil, fmt.Errorf("not a JSON object: %v", err)
	}
	return payload, nil
}

func clipJSON(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return raw
	}
	return raw[start : end+1]
}

func checkSchema(schema *models.Schema, payload map[string]interface{}) string {
	for field, typ := range schema.Required {
		value, ok := payload[field]
		if !ok {
			return fmt.Sprintf("missing required field %q", field)
		}
		if !typeMatches(typ, value) {
			return fmt.Sprintf("field %q is not a %s", field, typ)
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			return fmt.Sprintf("field %q is empty", field)
		}
	}
	for field, typ := range schema.Optional {
		if value, ok := payload[field]; ok && !typeMatches(typ, value) {
			return fmt.Sprintf("field %q is not a %s", field, typ)
		}
	}
	return ""
}

func typeMatches(typ models.FieldType, value interface{}) bool {
	switch typ {
	case models.FieldString:
		_, ok := value.(string)
		return ok
	case models.FieldNumber:
		_, ok := value.(float64)
		return ok
	case models.FieldList:
		_, ok := value.([]interface{})
		return ok
	}
	return false
}

var ticketPriorities = map[string]bool{"low": true, "medium": true, "high": true}
var ticketStatuses = map[string]bool{"open": true, "in_progress": true, "closed": true}

// checkSyntax verifies the payload's embedded content is well-formed in its
// own sub-language. Returns a rejection detail or "".
func checkSyntax(category models.Category, payload map[string]interface{}) string {
	content, _ := payload["content"].(string)
	if len(strings.TrimSpace(content)) < 10 {
		return "content too short"
	}

	switch category {
	case models.CategoryConfig:
		format, _ := payload["format"].(string)
		switch strings.ToLower(format) {
		case "json":
			if !json.Valid([]byte(content)) {
				return "config content is not valid JSON"
			}
		case "yaml", "yml":
			var tree interface{}
			if err := yaml.Unmarshal([]byte(content), &tree); err != nil {
				return fmt.Sprintf("config content is not valid YAML: %v", err)
			}
		default:
			return fmt.Sprintf("unknown config format %q", format)
		}
	case models.CategoryCode:
		if detail := checkBalanced(content); detail != "" {
			return detail
		}
	case models.CategoryTicket:
		priority, _ := payload["priority"].(string)
		if !ticketPriorities[strings.ToLower(priority)] {
			return fmt.Sprintf("unknown ticket priority %q", priority)
		}
		status, _ := payload["status"].(string)
		if !ticketStatuses[strings.ToLower(status)] {
			return fmt.Sprintf("unknown ticket status %q", status)
		}
	case models.CategoryShell:
		if !hasPromptLine(content) {
			return "shell transcript has no command lines"
		}
	case models.CategoryLog:
		if strings.Count(content, "\n") < 2 {
			return "log excerpt has fewer than 3 lines"
		}
	}
	return ""
}

// checkBalanced is a cheap structural check for code content: bracket pairs
// must balance outside of string literals and line comments.
func checkBalanced(content string) string {
	depth := map[rune]int{'(': 0, '[': 0, '{': 0}
	closing := map[rune]rune{')': '(', ']': '[', '}': '{'}
	var inString rune
	var prev rune
	inComment := false
	for _, r := range content {
		switch {
		case inComment:
			if r == '\n' {
				inComment = false
			}
		case inString != 0:
			if r == inString && prev != '\\' {
				inString = 0
			}
		case r == '"' || r == '\'' || r == '`':
			inString = r
		case r == '#':
			inComment = true
		case r == '/' && prev == '/':
			inComment = true
		case r == '(' || r == '[' || r == '{':
			depth[r]++
		case r == ')' || r == ']' || r == '}':
			open := closing[r]
			depth[open]--
			if depth[open] < 0 {
				return fmt.Sprintf("unbalanced %q in code content", string(r))
			}
		}
		prev = r
	}
	for open, d := range depth {
		if d != 0 {
			return fmt.Sprintf("unclosed %q in code content", string(open))
		}
	}
	return ""
}

func hasPromptLine(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "$ ") {
			return true
		}
	}
	return false
}

// identityFields are payload fields that, when present, must match the
// persona's canonical identity verbatim.
func checkIdentity(p *models.Persona, payload map[string]interface{}) string {
	checks := map[string]string{
		"username":     p.Username,
		"author":       p.Username,
		"email":        p.Email,
		"author_email": p.Email,
	}
	for field, want := range checks {
		if got, ok := payload[field].(string); ok && got != want {
			return fmt.Sprintf("field %q is %q, persona has %q", field, got, want)
		}
	}
	if filename, ok := payload["filename"].(string); ok {
		if strings.HasPrefix(filename, "/home/") &&
			!strings.HasPrefix(filename, "/home/"+p.Username+"/") {
			return fmt.Sprintf("filename %q is outside /home/%s", filename, p.Username)
		}
	}
	return ""
}

const (
	markerTS   = "{{TS}}"
	markerUUID = "{{UUID}}"
)

// randomize replaces placeholder markers in every string value, however
// deeply nested, with values drawn from a seed-derived source. Timestamps
// fall inside the persona's identity epoch year, ordered within each field.
// Map keys are walked in sorted order so the same seed yields the same
// payload.
func randomize(payload map[string]interface{}, p *models.Persona, seed int64) map[string]interface{} {
	rng := rand.New(rand.NewSource(seed))
	return randomizeMap(payload, p, rng)
}

func randomizeMap(m map[string]interface{}, p *models.Persona, rng *rand.Rand) map[string]interface{} {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]interface{}, len(m))
	for _, k := range keys {
		out[k] = randomizeValue(m[k], p, rng)
	}
	return out
}

func randomizeValue(v interface{}, p *models.Persona, rng *rand.Rand) interface{} {
	switch t := v.(type) {
	case string:
		return replaceMarkers(t, p, rng)
	case map[string]interface{}:
		return randomizeMap(t, p, rng)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = randomizeValue(e, p, rng)
		}
		return out
	default:
		return v
	}
}

func replaceMarkers(s string, p *models.Persona, rng *rand.Rand) string {
	if strings.Contains(s, markerTS) {
		n := strings.Count(s, markerTS)
		// Monotonic within one field so log lines stay ordered.
		base := p.EpochStart.Add(time.Duration(rng.Int63n(int64(300 * 24 * time.Hour))))
		for i := 0; i < n; i++ {
			ts := base.Add(time.Duration(i) * time.Duration(1+rng.Int63n(90)) * time.Second)
			s = strings.Replace(s, markerTS, ts.UTC().Format(time.RFC3339), 1)
		}
	}
	for strings.Contains(s, markerUUID) {
		id, err := uuid.NewRandomFromReader(rng)
		if err != nil {
			id = uuid.New()
		}
		s = strings.Replace(s, markerUUID, id.String(), 1)
	}
	return s
}
