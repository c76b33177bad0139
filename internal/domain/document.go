package domain

import (
	"strings"
	"time"
)

// Section is one contiguous piece of a document with its own link.
type Section struct {
	Link string `json:"link,omitempty"`
	Text string `json:"text"`
}

// Document is what a connector yields for indexing.
type Document struct {
	ID             string            `json:"id"`
	SemanticID     string            `json:"semantic_identifier"`
	Source         DocumentSource    `json:"source"`
	Sections       []Section         `json:"sections"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	UpdatedAt      *time.Time        `json:"doc_updated_at,omitempty"`
	ExternalEmails []string          `json:"external_user_emails,omitempty"`
	ExternalGroups []string          `json:"external_user_group_ids,omitempty"`
	IsPublic       bool              `json:"is_public,omitempty"`
}

// Text joins every section into one body.
func (d *Document) Text() string {
	parts := make([]string, 0, len(d.Sections))
	for _, s := range d.Sections {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// AccessControl is the set of principals allowed to read a chunk.
type AccessControl struct {
	Public bool     `json:"public"`
	Users  []string `json:"users,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

// Chunk is an embedded slice of a document ready to be written to the index.
type Chunk struct {
	DocumentID string         `json:"document_id"`
	ChunkID    int            `json:"chunk_id"`
	Source     DocumentSource `json:"source"`
	SemanticID string         `json:"semantic_identifier"`
	Link       string         `json:"link,omitempty"`
	Content    string         `json:"content"`
	Embedding  []float32      `json:"embedding"`
	Access     AccessControl  `json:"access"`
	CCPairID   int64          `json:"cc_pair_id"`
	UpdatedAt  *time.Time     `json:"doc_updated_at,omitempty"`
}
