package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShareRequestOptionalExpiry(t *testing.T) {
	var req ShareRequest
	require.NoError(t, json.Unmarshal([]byte(`{}`), &req))
	assert.Nil(t, req.ExpiresInDays)

	require.NoError(t, json.Unmarshal([]byte(`{"expiresInDays":7}`), &req))
	require.NotNil(t, req.ExpiresInDays)
	assert.Equal(t, 7, *req.ExpiresInDays)
}

func TestPermanentDeleteResponseAlwaysHasWarnings(t *testing.T) {
	data, err := json.Marshal(PermanentDeleteResponse{Message: "File permanently deleted", Warnings: []string{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"File permanently deleted","warnings":[]}`, string(data))
}

func TestHealthResponseOmitsVolume(t *testing.T) {
	data, err := json.Marshal(HealthResponse{Status: "ok", Backend: "telegram"})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.NotContains(t, m, "volume")
	assert.Equal(t, "telegram", m["backend"])
}
