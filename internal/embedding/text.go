// Package embedding implements the embedding stage (C5's third sub-stage):
// canonical text assembly, the embedding model consistency validator, an
// Ollama-backed EmbeddingProvider, and a Milvus-backed VectorStore (with an
// in-memory fake for tests).
package embedding

import "strings"

// TextFields maps a normalized table name to the ordered list of its
// columns to concatenate into the canonical text handed to the embedding
// provider. Populated from config.Embedding.TextFields at construction
// time rather than hard-coded per provider, so a new provider's tables
// only need a config entry, not a code change.
type TextFields map[string][]string

// Assemble builds the canonical text for one record: its declared fields,
// in order, joined by blank lines, skipping any field absent or empty in
// row. Returns an empty string if tableName has no configured fields or
// none are present in row.
func Assemble(fields TextFields, tableName string, row map[string]interface{}) string {
	cols, ok := fields[tableName]
	if !ok {
		return ""
	}

	var parts []string
	for _, col := range cols {
		v, ok := row[col]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n\n")
}
