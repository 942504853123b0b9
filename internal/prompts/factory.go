// Package prompts builds fully specified generation requests from a persona,
// a category and the coherence summaries of prior artifacts.
package prompts

import (
	_ "embed"
	"fmt"
	"hash/fnv"
	"strings"

	"gopkg.in/yaml.v3"

	"personaforge/pkg/models"
)

//go:embed anchors.yaml
var anchorsYAML []byte

// maxSummaries bounds how many prior-artifact digests one prompt carries,
// regardless of what the caller collected.
const maxSummaries = 12

// maxDigestRunes clips each injected digest line.
const maxDigestRunes = 160

// maxPromptBytes bounds the total request text.
const maxPromptBytes = 16 * 1024

// anchor is the per-category prompt material loaded from anchors.yaml.
type anchor struct {
	Label    string   `yaml:"label"`
	Guidance string   `yaml:"guidance"`
	Examples []string `yaml:"examples"`
}

// Factory is a pure request factory: identical inputs produce identical
// requests, including the derived per-request seed.
type Factory struct {
	anchors     map[models.Category]anchor
	temperature float64
	maxTokens   int
	model       string
}

// NewFactory creates a Factory. It panics only on a broken embedded anchor
// file, which is a build defect rather than a runtime condition.
func NewFactory(model string, temperature float64, maxTokens int) *Factory {
	var anchors map[models.Category]anchor
	if err := yaml.Unmarshal(anchorsYAML, &anchors); err != nil {
		panic(fmt.Sprintf("prompts: bad embedded anchors: %v", err))
	}
	return &Factory{
		anchors:     anchors,
		temperature: temperature,
		maxTokens:   maxTokens,
		model:       model,
	}
}

// WithTemperature returns a copy of the factory using a different sampling
// temperature. The anchor set is shared.
func (f *Factory) WithTemperature(temperature float64) *Factory {
	clone := *f
	clone.temperature = temperature
	return &clone
}

// WithModel returns a copy of the factory targeting a different model.
func (f *Factory) WithModel(model string) *Factory {
	clone := *f
	clone.model = model
	return &clone
}

// DeriveSeed computes the per-request seed from (persona seed, category,
// index). Each unit of work is individually reproducible even though batches
// execute out of order.
func DeriveSeed(personaSeed int64, category models.Category, index int) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%d", personaSeed, category, index)
	return int64(h.Sum64())
}

// BuildRequest builds the request for one (persona, category, index) unit of
// work, injecting the given summaries as an avoid-contradicting clause.
func (f *Factory) BuildRequest(p *models.Persona, category models.Category, index int, summaries []models.CoherenceSummary) (*models.ArtifactRequest, error) {
	a, ok := f.anchors[category]
	if !ok {
		return nil, fmt.Errorf("no prompt anchor for category %q", category)
	}
	schema := models.SchemaFor(category)
	if schema == nil {
		return nil, fmt.Errorf("no schema for category %q", category)
	}

	seed := DeriveSeed(p.Seed, category, index)

	var b strings.Builder
	fmt.Fprintf(&b, "You are generating one realistic %s authored by this engineer.\n\n", a.Label)
	writeIdentity(&b, p)
	fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(a.Guidance))
	if len(a.Examples) > 0 {
		fmt.Fprintf(&b, "Plausible titles for reference: %s.\n", strings.Join(a.Examples, "; "))
	}
	b.WriteString("\nOutput rules:\n")
	fmt.Fprintf(&b, "- Return ONLY one JSON object matching %s. No prose, no code fences.\n", schema.Hint())
	b.WriteString("- Wherever a timestamp belongs, write the literal marker {{TS}}; wherever a unique id belongs, write {{UUID}}.\n")
	fmt.Fprintf(&b, "- Author identity must be exactly username %q and email %q when they appear.\n", p.Username, p.Email)

	writeSummaries(&b, summaries)

	prompt := b.String()
	if len(prompt) > maxPromptBytes {
		prompt = prompt[:maxPromptBytes]
	}

	return &models.ArtifactRequest{
		ID:          fmt.Sprintf("%s/%s/%d", p.Slug, category, index),
		PersonaSlug: p.Slug,
		Category:    category,
		Index:       index,
		Seed:        seed,
		Prompt:      prompt,
		SchemaHint:  schema.Hint(),
		Model:       f.model,
		Temperature: f.temperature,
		MaxTokens:   f.maxTokens,
	}, nil
}

func writeIdentity(b *strings.Builder, p *models.Persona) {
	fmt.Fprintf(b, "Persona: %s (%s)\n", p.Name, p.Slug)
	fmt.Fprintf(b, "Role: %s at %s, %d years experience\n", p.Role, p.Company, p.ExperienceYears)
	fmt.Fprintf(b, "Location: %s\n", p.Location)
	fmt.Fprintf(b, "Username: %s  Email: %s\n", p.Username, p.Email)
	fmt.Fprintf(b, "Tech stack: %s\n", strings.Join(p.TechStack, ", "))
	if len(p.Quirks) > 0 {
		fmt.Fprintf(b, "Traits: %s\n", strings.Join(p.Quirks, ", "))
	}
}

// writeSummaries appends the avoid-contradicting clause. Summaries arrive
// most-relevant-first and are truncated here, not included wholesale.
func writeSummaries(b *strings.Builder, summaries []models.CoherenceSummary) {
	if len(summaries) == 0 {
		return
	}
	if len(summaries) > maxSummaries {
		summaries = summaries[:maxSummaries]
	}
	b.WriteString("\nThis engineer's prior artifacts. Do not contradict any of them (names, versions, hosts, project details):\n")
	for _, s := range summaries {
		line := fmt.Sprintf("- [%s] %s: %s", s.Category, s.Title, s.Digest)
		if runes := []rune(line); len(runes) > maxDigestRunes {
			line = string(runes[:maxDigestRunes])
		}
		b.WriteString(line + "\n")
	}
}
