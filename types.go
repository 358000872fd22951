package teachnlearn

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is a non-2xx response of the REST API.
type APIError struct {
	Status int    `json:"-"`
	Detail string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api error: status %d", e.Status)
	}
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Detail)
}

// HealthResult is the body of GET /health.
type HealthResult struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ============================================================================
// Lessons
// ============================================================================

type SectionMeta struct {
	Key           string `json:"key"`
	UpdatedAt     string `json:"updatedAt,omitempty"`
	Version       int    `json:"version,omitempty"`
	ContentLength *int   `json:"contentLength,omitempty"`
}

type Lesson struct {
	ID            string                 `json:"id"`
	Title         string                 `json:"title"`
	Status        string                 `json:"status"`
	Subject       string                 `json:"subject,omitempty"`
	Level         string                 `json:"level,omitempty"`
	Summary       string                 `json:"summary,omitempty"`
	IconURL       string                 `json:"iconUrl,omitempty"`
	RequiresLogin bool                   `json:"requires_login,omitempty"`
	Sections      map[string]string      `json:"sections,omitempty"`
	SectionsMeta  map[string]SectionMeta `json:"sectionsMeta,omitempty"`
	CreatedAt     string                 `json:"created_at,omitempty"`
	UpdatedAt     string                 `json:"updated_at,omitempty"`
}

type lessonList struct {
	Lessons []Lesson `json:"lessons"`
}

// ============================================================================
// Sections
// ============================================================================

// SectionsIndex maps section keys to their storage file names.
type SectionsIndex struct {
	Sections map[string]string `json:"sections"`
}

// Section is one section's content. Structured sections (exercises) carry
// Content; everything else carries ContentHTML.
type Section struct {
	Key         string          `json:"key"`
	ContentHTML string          `json:"contentHtml,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
}
