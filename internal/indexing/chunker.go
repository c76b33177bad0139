package indexing

import (
	"strings"
	"unicode/utf8"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
)

const defaultChunkChars = 2000

// chunkDocument splits each section of doc into chunks of at most maxChars,
// breaking on whitespace. Chunk ids are sequential across sections.
func chunkDocument(doc *domain.Document, pairID int64, access domain.AccessControl, maxChars int) []domain.Chunk {
	if maxChars <= 0 {
		maxChars = defaultChunkChars
	}

	var chunks []domain.Chunk
	for _, section := range doc.Sections {
		link := section.Link
		for _, piece := range splitText(section.Text, maxChars) {
			chunks = append(chunks, domain.Chunk{
				DocumentID: doc.ID,
				ChunkID:    len(chunks),
				Source:     doc.Source,
				SemanticID: doc.SemanticID,
				Link:       link,
				Content:    piece,
				Access:     access,
				CCPairID:   pairID,
				UpdatedAt:  doc.UpdatedAt,
			})
		}
	}
	return chunks
}

func splitText(text string, maxChars int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var (
		pieces  []string
		current strings.Builder
		size    int
	)
	flush := func() {
		if current.Len() > 0 {
			pieces = append(pieces, current.String())
			current.Reset()
			size = 0
		}
	}

	for _, word := range words {
		n := utf8.RuneCountInString(word)
		if size > 0 && size+1+n > maxChars {
			flush()
		}
		if size > 0 {
			current.WriteByte(' ')
			size++
		}
		current.WriteString(word)
		size += n
	}
	flush()
	return pieces
}
