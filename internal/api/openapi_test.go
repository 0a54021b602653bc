package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSpec(t *testing.T) {
	doc, err := LoadSpec(context.Background())
	require.NoError(t, err)

	for _, path := range []string{
		"/api/v1/files",
		"/api/v1/contents/{content_id}/aliases",
		"/api/v1/contents/by-sha1/{sha1}",
		"/api/v1/maintenance/verify",
		"/{alias_id}/{filename}",
	} {
		assert.NotNil(t, doc.Paths.Find(path), path)
	}
	assert.Contains(t, doc.Components.Schemas, "CommitResult")
}
