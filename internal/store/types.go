// Package store persists participant business cards into a searchable
// index. Two backends exist: bleve (default, single process) and SQLite
// FTS5. Both keep exactly one document per participant; writing a card
// replaces the previous one.
package store

import (
	"context"
	"strings"
	"time"
)

// Name is a localized entity name.
type Name struct {
	Name     string `json:"name"`
	Language string `json:"language,omitempty"`
}

// Identifier is an additional registry identifier (e.g. VAT, LEI).
type Identifier struct {
	Scheme string `json:"scheme"`
	Value  string `json:"value"`
}

// Contact is a point of contact published on the card.
type Contact struct {
	Type  string `json:"type,omitempty"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Entity is one business entity on a card.
type Entity struct {
	Names            []Name       `json:"names"`
	CountryCode      string       `json:"country_code"`
	GeoInfo          string       `json:"geo_info,omitempty"`
	Identifiers      []Identifier `json:"identifiers,omitempty"`
	Websites         []string     `json:"websites,omitempty"`
	Contacts         []Contact    `json:"contacts,omitempty"`
	AdditionalInfo   string       `json:"additional_info,omitempty"`
	RegistrationDate string       `json:"registration_date,omitempty"`
}

// BusinessCard is the registry document for one participant.
type BusinessCard struct {
	ParticipantID string   `json:"participant_id"`
	Entities      []Entity `json:"entities"`
	DocumentTypes []string `json:"document_types,omitempty"`
}

// Metadata records who requested indexing and when it happened.
type Metadata struct {
	OwnerID        string    `json:"owner_id"`
	RequestingHost string    `json:"requesting_host"`
	IndexedAt      time.Time `json:"indexed_at"`
}

// Document is a stored card with its metadata.
type Document struct {
	Card     BusinessCard `json:"card"`
	Metadata Metadata     `json:"metadata"`
}

// SearchResult is one search hit.
type SearchResult struct {
	ParticipantID string   `json:"participant_id"`
	Score         float64  `json:"score"`
	Names         []string `json:"names"`
	Countries     []string `json:"countries"`
}

// Store is the storage manager used by the indexing pipeline.
// Implementations must be safe for concurrent use, though the pipeline
// only ever writes from one goroutine.
type Store interface {
	// CreateOrUpdate writes card, replacing any existing document for the
	// same participant.
	CreateOrUpdate(ctx context.Context, card *BusinessCard, meta Metadata) error

	// Delete removes the participant's document. Deleting an absent
	// participant succeeds.
	Delete(ctx context.Context, participantID string) error

	// Get returns the stored document or an ErrCodeCardNotFound error.
	Get(ctx context.Context, participantID string) (*Document, error)

	// Search runs a free-text query.
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)

	Close() error
}

// Names returns every entity name on the card.
func (c *BusinessCard) Names() []string {
	var names []string
	for _, e := range c.Entities {
		for _, n := range e.Names {
			if n.Name != "" {
				names = append(names, n.Name)
			}
		}
	}
	return names
}

// Countries returns the distinct country codes on the card.
func (c *BusinessCard) Countries() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range c.Entities {
		cc := strings.ToUpper(e.CountryCode)
		if cc == "" {
			continue
		}
		if _, ok := seen[cc]; !ok {
			seen[cc] = struct{}{}
			out = append(out, cc)
		}
	}
	return out
}

// SearchText flattens the card into the text that full-text search sees.
func (c *BusinessCard) SearchText() string {
	parts := []string{c.ParticipantID}
	for _, e := range c.Entities {
		for _, n := range e.Names {
			parts = append(parts, n.Name)
		}
		parts = append(parts, e.CountryCode, e.GeoInfo, e.AdditionalInfo)
		for _, id := range e.Identifiers {
			parts = append(parts, id.Value)
		}
		parts = append(parts, e.Websites...)
		for _, ct := range e.Contacts {
			parts = append(parts, ct.Name, ct.Email)
		}
	}

	var sb strings.Builder
	for _, p := range parts {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(p)
	}
	return sb.String()
}
