package api_test

import (
	"net/http"
	"testing"

	"github.com/aretw0/binlens/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	doc, err := api.Load()
	require.NoError(t, err)
	assert.Equal(t, "BinLens API", doc.Info.Title)

	again, err := api.Load()
	require.NoError(t, err)
	assert.Same(t, doc, again)

	for path, method := range map[string]string{
		"/configs/validate": http.MethodPost,
		"/configs/{name}":   http.MethodPut,
		"/sessions":         http.MethodPost,
	} {
		item := doc.Paths.Value(path)
		require.NotNil(t, item, path)
		op := item.GetOperation(method)
		require.NotNil(t, op, path)
		require.NotNil(t, op.RequestBody, path)
		assert.NotNil(t, op.RequestBody.Value.Content.Get("application/json"), path)
	}
}
