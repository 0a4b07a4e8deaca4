// Package uuid provides prefixed ID generation helpers.
package uuid

import (
	"strings"

	"github.com/google/uuid"
)

// Generator creates prefixed record identifiers backed by random UUIDs.
// IDs take the form <prefix>_<12 hex chars>, e.g. job_3f9ac41b02de.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// JobID returns a job_ prefixed identifier.
func (Generator) JobID() string {
	return prefixed("job")
}

// ArticleID returns an art_ prefixed identifier.
func (Generator) ArticleID() string {
	return prefixed("art")
}

// TaskID returns a task_ prefixed identifier.
func (Generator) TaskID() string {
	return prefixed("task")
}

func prefixed(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + hex[:12]
}
