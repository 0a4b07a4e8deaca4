package uuid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratorPrefixes(t *testing.T) {
	t.Parallel()

	g := New()
	cases := []struct {
		prefix string
		gen    func() string
	}{
		{"job_", g.JobID},
		{"art_", g.ArticleID},
		{"task_", g.TaskID},
	}
	for _, tc := range cases {
		id := tc.gen()
		require.True(t, strings.HasPrefix(id, tc.prefix), id)
		require.Len(t, id, len(tc.prefix)+12)
	}
}

func TestGeneratorUniqueness(t *testing.T) {
	t.Parallel()

	g := New()
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := g.JobID()
		_, dup := seen[id]
		require.False(t, dup, id)
		seen[id] = struct{}{}
	}
}
