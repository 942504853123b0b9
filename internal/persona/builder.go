// Package persona expands a short free-text description into the immutable
// identity context threaded through every generated artifact.
package persona

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"time"

	"personaforge/internal/gateway"
	"personaforge/pkg/models"
)

// BuildError is fatal to the whole run: without a persona no artifact can be
// generated.
type BuildError struct {
	Description string
	Err         error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("failed to build persona from %q: %v", e.Description, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

var roles = []string{
	"Backend Engineer",
	"Frontend Developer",
	"DevOps Engineer",
	"ML Engineer",
	"Data Engineer",
	"Full Stack Developer",
	"Security Engineer",
	"Cloud Architect",
	"SRE",
	"Database Administrator",
}

var companies = []string{
	"TechCorp",
	"CloudDynamics",
	"DataFlow Systems",
	"VentureAI",
	"SecureNet",
	"InnovateTech",
	"QuantumLeap",
	"NeuralWorks",
}

var locations = []string{
	"San Francisco, CA",
	"New York, NY",
	"Austin, TX",
	"Seattle, WA",
	"Boston, MA",
	"Denver, CO",
	"Portland, OR",
	"Remote",
}

var techStacks = map[string][]string{
	"Backend":  {"Python", "Go", "Rust", "Node.js", "Java"},
	"Frontend": {"React", "Vue", "Angular", "TypeScript"},
	"DevOps":   {"Kubernetes", "Docker", "Terraform", "Jenkins"},
	"Data":     {"Pandas", "Spark", "SQL", "TensorFlow"},
}

var stackKeys = []string{"Backend", "Frontend", "DevOps", "Data"}

var quirks = []string{
	"Coffee addict",
	"Night owl",
	"Open source enthusiast",
	"Tech blogger",
	"Podcast listener",
	"Terminal lover",
	"Documentation focused",
}

var firstNames = []string{
	"Alice", "Bob", "Charlie", "Diana", "Eve", "Frank",
	"Grace", "Henry", "Isabel", "Jack", "Karen", "Leo",
}

var lastNames = []string{
	"Johnson", "Smith", "Williams", "Brown", "Jones",
	"Garcia", "Miller", "Davis", "Rodriguez", "Martinez",
}

// Builder builds personas. The gateway is optional; without one the builder
// is fully deterministic for a given (description, seed).
type Builder struct {
	gw    gateway.Gateway
	model string
}

// NewBuilder creates a Builder without model enrichment.
func NewBuilder() *Builder {
	return &Builder{}
}

// NewEnrichingBuilder creates a Builder that asks the model for extra quirks
// and stack entries on top of the deterministic template.
func NewEnrichingBuilder(gw gateway.Gateway, model string) *Builder {
	return &Builder{gw: gw, model: model}
}

// Build expands description into a full Persona. The seed makes everything
// derived here reproducible: names, identity fields and the timestamp epoch
// all come from a single seeded source.
func (b *Builder) Build(ctx context.Context, description string, seed int64) (*models.Persona, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, &BuildError{Description: description, Err: fmt.Errorf("empty description")}
	}

	rng := rand.New(rand.NewSource(mix(description, seed)))

	name := firstNames[rng.Intn(len(firstNames))] + " " + lastNames[rng.Intn(len(lastNames))]
	slug := slugify(name, description, seed)
	company := companies[rng.Intn(len(companies))]
	stack := pickStack(rng)

	// Identity-consistent timestamp epoch: every artifact for this persona
	// dates from within one year after this instant.
	epoch := time.Date(2021+rng.Intn(4), time.Month(1+rng.Intn(12)), 1+rng.Intn(28), 0, 0, 0, 0, time.UTC)

	p := &models.Persona{
		Slug:            slug,
		Name:            name,
		Description:     description,
		Role:            extractRole(description, rng),
		Company:         company,
		Location:        locations[rng.Intn(len(locations))],
		ExperienceYears: 2 + rng.Intn(14),
		Email:           slug + "@" + strings.ReplaceAll(strings.ToLower(company), " ", "") + ".com",
		Username:        strings.ReplaceAll(slug, "-", ""),
		TechStack:       stack,
		Quirks:          pickQuirks(rng),
		Seed:            seed,
		EpochStart:      epoch,
		CreatedAt:       time.Now().UTC(),
	}

	if b.gw != nil {
		if err := b.enrich(ctx, p); err != nil {
			return nil, &BuildError{Description: description, Err: err}
		}
	}

	if err := checkRequired(p); err != nil {
		return nil, &BuildError{Description: description, Err: err}
	}
	return p, nil
}

// enrich asks the model once (with one retry) for additional quirks and tech
// stack entries. Identity fields are never touched: those must stay the
// deterministic values derived above.
func (b *Builder) enrich(ctx context.Context, p *models.Persona) error {
	prompt := fmt.Sprintf(
		"Expand this engineer persona with extra detail.\nRole: %s\nStack: %s\n"+
			"Return only a JSON object {\"quirks\": [..strings..], \"tech_stack\": [..strings..]}.",
		p.Role, strings.Join(p.TechStack, ", "))

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := b.gw.Generate(ctx, &gateway.Request{
			Prompt:      prompt,
			Model:       b.model,
			Temperature: 0.5,
			MaxTokens:   1024,
			Seed:        p.Seed,
		})
		if err != nil {
			lastErr = err
			continue
		}
		var extra struct {
			Quirks    []string `json:"quirks"`
			TechStack []string `json:"tech_stack"`
		}
		if err := json.Unmarshal([]byte(clipJSON(raw)), &extra); err != nil {
			lastErr = fmt.Errorf("unparseable enrichment: %w", err)
			continue
		}
		p.Quirks = appendUnique(p.Quirks, extra.Quirks)
		p.TechStack = appendUnique(p.TechStack, extra.TechStack)
		return nil
	}
	return lastErr
}

func checkRequired(p *models.Persona) error {
	switch {
	case p.Slug == "":
		return fmt.Errorf("missing slug")
	case p.Name == "":
		return fmt.Errorf("missing name")
	case p.Email == "" || p.Username == "":
		return fmt.Errorf("missing identity fields")
	case p.Role == "":
		return fmt.Errorf("missing role")
	case len(p.TechStack) == 0:
		return fmt.Errorf("empty tech stack")
	}
	return nil
}

// extractRole matches a known role inside the description, falling back to
// "<first-word> Engineer".
func extractRole(description string, rng *rand.Rand) string {
	lower := strings.ToLower(description)
	for _, role := range roles {
		if strings.Contains(lower, strings.ToLower(role)) {
			return role
		}
	}
	words := strings.Fields(description)
	if len(words) > 0 {
		w := strings.ToLower(words[0])
		return strings.ToUpper(w[:1]) + w[1:] + " Engineer"
	}
	return roles[rng.Intn(len(roles))]
}

func pickStack(rng *rand.Rand) []string {
	pool := techStacks[stackKeys[rng.Intn(len(stackKeys))]]
	n := 2 + rng.Intn(3)
	if n > len(pool) {
		n = len(pool)
	}
	perm := rng.Perm(len(pool))
	out := make([]string, 0, n)
	for _, i := range perm[:n] {
		out = append(out, pool[i])
	}
	return out
}

func pickQuirks(rng *rand.Rand) []string {
	n := 1 + rng.Intn(3)
	perm := rng.Perm(len(quirks))
	out := make([]string, 0, n)
	for _, i := range perm[:n] {
		out = append(out, quirks[i])
	}
	return out
}

// slugify derives the stable persona key: name slug plus a short hash of
// (description, seed) so distinct runs with the same inputs land on the same
// persona row.
func slugify(name, description string, seed int64) string {
	base := strings.ToLower(strings.ReplaceAll(name, " ", "-"))
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%d", description, seed)
	return fmt.Sprintf("%s-%06x", base, h.Sum32()&0xffffff)
}

func mix(description string, seed int64) int64 {
	h := fnv.New64a()
	h.Write([]byte(description))
	return int64(h.Sum64()) ^ seed
}

func appendUnique(dst, src []string) []string {
	seen := make(map[string]bool, len(dst))
	for _, s := range dst {
		seen[s] = true
	}
	for _, s := range src {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			dst = append(dst, s)
			seen[s] = true
		}
	}
	return dst
}

// clipJSON trims prose or code fences around the outermost JSON value.
func clipJSON(raw string) string {
	start := strings.IndexAny(raw, "{[")
	if start < 0 {
		return raw
	}
	end := strings.LastIndexAny(raw, "}]")
	if end < start {
		return raw
	}
	return raw[start : end+1]
}
