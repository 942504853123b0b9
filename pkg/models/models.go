// Package models defines the domain models for the persona artifact pipeline.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Category identifies the kind of artifact being generated.
type Category string

const (
	CategoryCode   Category = "code"
	CategoryConfig Category = "config"
	CategoryDocs   Category = "docs"
	CategoryLog    Category = "log"
	CategoryTicket Category = "ticket"
	CategoryShell  Category = "shell"
)

// AllCategories is the fixed category vocabulary, in canonical order.
var AllCategories = []Category{
	CategoryCode,
	CategoryConfig,
	CategoryDocs,
	CategoryLog,
	CategoryTicket,
	CategoryShell,
}

// ValidCategory reports whether c belongs to the fixed vocabulary.
func ValidCategory(c Category) bool {
	for _, known := range AllCategories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategories parses a comma-separated category list.
func ParseCategories(raw string) ([]Category, error) {
	var out []Category
	for _, part := range strings.Split(raw, ",") {
		c := Category(strings.TrimSpace(part))
		if !ValidCategory(c) {
			return nil, fmt.Errorf("unknown category %q", c)
		}
		out = append(out, c)
	}
	return out, nil
}

// RequestStatus is the terminal state of one scheduled generation request.
type RequestStatus string

const (
	StatusAccepted  RequestStatus = "accepted"
	StatusRejected  RequestStatus = "rejected"
	StatusExhausted RequestStatus = "exhausted_retries"
	StatusFailed    RequestStatus = "failed"
)

// RejectReason classifies why a validator rejected a raw model result.
type RejectReason string

const (
	RejectMalformed       RejectReason = "malformed"
	RejectSchemaViolation RejectReason = "schema_violation"
	RejectSyntaxInvalid   RejectReason = "syntax_invalid"
	RejectIdentityDrift   RejectReason = "identity_drift"
)

// Persona is the canonical identity context threaded through every prompt.
// It is built once per run and never mutated; the slug is stable for a given
// (description, seed) pair so later runs extend the same artifact set.
type Persona struct {
	Slug            string    `json:"slug" db:"slug"`
	Name            string    `json:"name" db:"name"`
	Description     string    `json:"description" db:"description"`
	Role            string    `json:"role" db:"role"`
	Company         string    `json:"company" db:"company"`
	Location        string    `json:"location" db:"location"`
	ExperienceYears int       `json:"experience_years" db:"experience_years"`
	Email           string    `json:"email" db:"email"`
	Username        string    `json:"username" db:"username"`
	TechStack       []string  `json:"tech_stack" db:"tech_stack"`
	Quirks          []string  `json:"quirks" db:"quirks"`
	Seed            int64     `json:"seed" db:"seed"`
	EpochStart      time.Time `json:"epoch_start" db:"epoch_start"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// ArtifactRequest is one scheduled unit of generation work. It lives for a
// single scheduling attempt (including retries) and is never persisted.
type ArtifactRequest struct {
	ID          string   `json:"id"`
	PersonaSlug string   `json:"persona_slug"`
	Category    Category `json:"category"`
	Index       int      `json:"index"`
	Seed        int64    `json:"seed"`
	Prompt      string   `json:"prompt"`
	SchemaHint  string   `json:"schema_hint"`
	Model       string   `json:"model"`
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
}

// Artifact is one persisted, schema-validated synthetic document. Rows are
// insert-only; a correction is a new artifact, never an update in place.
type Artifact struct {
	ID          string                 `json:"id" db:"id"`
	PersonaSlug string                 `json:"persona_slug" db:"persona_slug"`
	Category    Category               `json:"category" db:"category"`
	Title       string                 `json:"title" db:"title"`
	Payload     map[string]interface{} `json:"payload" db:"payload"`
	RawChecksum string                 `json:"raw_checksum" db:"raw_checksum"`
	Status      RequestStatus          `json:"status" db:"status"`
	Seed        int64                  `json:"seed" db:"seed"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
}

// CoherenceSummary is a compact digest of one prior artifact, recomputed per
// batch and injected into later prompts. It has no identity of its own and is
// never persisted.
type CoherenceSummary struct {
	PersonaSlug string    `json:"persona_slug"`
	Category    Category  `json:"category"`
	Title       string    `json:"title"`
	Digest      string    `json:"digest"`
	CreatedAt   time.Time `json:"created_at"`
}

// RequestOutcome records the terminal state of one request in a batch.
type RequestOutcome struct {
	RequestID  string        `json:"request_id"`
	Category   Category      `json:"category"`
	Index      int           `json:"index"`
	Seed       int64         `json:"seed"`
	Status     RequestStatus `json:"status"`
	Reason     RejectReason  `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	Attempts   int           `json:"attempts"`
	ArtifactID string        `json:"artifact_id,omitempty"`
}

// BatchManifest aggregates the per-request outcomes of one batch. Every
// scheduled request appears exactly once; nothing is silently dropped.
type BatchManifest struct {
	PersonaSlug string                 `json:"persona_slug"`
	Outcomes    []RequestOutcome       `json:"outcomes"`
	Requested   int                    `json:"requested"`
	Accepted    int                    `json:"accepted"`
	Rejected    map[RejectReason]int   `json:"rejected"`
	Exhausted   int                    `json:"exhausted"`
	Failed      int                    `json:"failed"`
	// Aborted is set when the batch was canceled because the persistence
	// layer refused a write.
	Aborted bool `json:"aborted,omitempty"`
}

// Merge folds another manifest into m.
func (m *BatchManifest) Merge(other *BatchManifest) {
	if other == nil {
		return
	}
	m.Outcomes = append(m.Outcomes, other.Outcomes...)
	m.Requested += other.Requested
	m.Accepted += other.Accepted
	m.Exhausted += other.Exhausted
	m.Failed += other.Failed
	m.Aborted = m.Aborted || other.Aborted
	if m.Rejected == nil {
		m.Rejected = map[RejectReason]int{}
	}
	for reason, n := range other.Rejected {
		m.Rejected[reason] += n
	}
}

// Satisfied reports whether every scheduled request ended accepted.
func (m *BatchManifest) Satisfied() bool {
	return m.Requested > 0 && m.Accepted == m.Requested
}

// Tally recomputes the aggregate counters from the outcome list.
func (m *BatchManifest) Tally() {
	m.Requested = len(m.Outcomes)
	m.Accepted, m.Exhausted, m.Failed = 0, 0, 0
	m.Rejected = map[RejectReason]int{}
	for _, o := range m.Outcomes {
		switch o.Status {
		case StatusAccepted:
			m.Accepted++
		case StatusRejected:
			m.Rejected[o.Reason]++
		case StatusExhausted:
			m.Exhausted++
		case StatusFailed:
			m.Failed++
		}
	}
}

// RunReport is what a whole run returns to its caller: the persona that was
// built plus the merged manifest across all batches.
type RunReport struct {
	Persona  *Persona       `json:"persona"`
	Manifest *BatchManifest `json:"manifest"`
	Elapsed  time.Duration  `json:"elapsed"`
}
