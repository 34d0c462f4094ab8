package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecret(t *testing.T) {
	assert.Equal(t, "", Secret("  "))
	assert.Equal(t, "sha256_****3456", Secret("sha256_abcdef123456"))
	assert.Equal(t, "****", Secret("abc"))
	assert.Equal(t, "****wxyz", Secret("stuvwxyz"))
	assert.Equal(t, "key_****", Secret("key_ab"))
}

func TestMetadata(t *testing.T) {
	out := Metadata(map[string]any{
		"reason":           "customer paid at counter",
		"X-Signature":      "sha256_abcdef123456",
		" ":                "dropped",
		"attempts":         3,
		"headers":          map[string]string{"Authorization": "Bearer_abcdefgh", "Content-Type": "application/json"},
		"gateway_response": map[string]any{"server_key": "SB-Mid-server-xyz12345"},
	})

	assert.Equal(t, "customer paid at counter", out["reason"])
	assert.Equal(t, "sha256_****3456", out["X-Signature"])
	assert.Equal(t, 3, out["attempts"])
	assert.NotContains(t, out, " ")

	headers := out["headers"].(map[string]any)
	assert.Equal(t, "Bearer_****efgh", headers["Authorization"])
	assert.Equal(t, "application/json", headers["Content-Type"])

	gateway := out["gateway_response"].(map[string]any)
	assert.Equal(t, "****2345", gateway["server_key"])
}
