package capability

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSessionID(t *testing.T) {
	assert.Error(t, ValidateSessionID(""))
	assert.Error(t, ValidateSessionID("sess_tooshort"))
}

func TestValidateCwd(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, ValidateCwd(dir))
	assert.Error(t, ValidateCwd("relative/path"))
	assert.Error(t, ValidateCwd(filepath.Join(dir, "does-not-exist")))
}

func TestValidateURL_SSRF(t *testing.T) {
	assert.NoError(t, ValidateURL("https://example.com/mcp"))
	assert.Error(t, ValidateURL("http://169.254.169.254/latest/meta-data"))
	assert.Error(t, ValidateURL("http://127.0.0.1:8080"))
	assert.Error(t, ValidateURL("ftp://example.com"))
	assert.Error(t, ValidateURL("not a url at all :// "))
}

func TestValidatePath_Traversal(t *testing.T) {
	root := t.TempDir()
	assert.NoError(t, ValidatePath("sub/file.txt", root))
	assert.Error(t, ValidatePath("../escape.txt", root))
	assert.Error(t, ValidatePath("sub/../../escape.txt", root))
}

func TestValidateBase64(t *testing.T) {
	assert.NoError(t, ValidateBase64("aGVsbG8="))
	assert.Error(t, ValidateBase64(""))
	assert.Error(t, ValidateBase64("not-valid-base64!!"))
	assert.Error(t, ValidateBase64("abc"))
}

func TestValidateMediaContent_MimeMismatch(t *testing.T) {
	pngHeader := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	encoded := base64Encode(pngHeader)
	assert.NoError(t, ValidateMediaContent("image/png", encoded))
	assert.Error(t, ValidateMediaContent("image/jpeg", encoded))
}

func base64Encode(b []byte) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	var out []byte
	for i := 0; i < len(b); i += 3 {
		chunk := b[i:min(i+3, len(b))]
		var n uint32
		for j, c := range chunk {
			n |= uint32(c) << uint(16-8*j)
		}
		switch len(chunk) {
		case 3:
			out = append(out, alphabet[(n>>18)&0x3F], alphabet[(n>>12)&0x3F], alphabet[(n>>6)&0x3F], alphabet[n&0x3F])
		case 2:
			out = append(out, alphabet[(n>>18)&0x3F], alphabet[(n>>12)&0x3F], alphabet[(n>>6)&0x3F], '=')
		case 1:
			out = append(out, alphabet[(n>>18)&0x3F], alphabet[(n>>12)&0x3F], '=', '=')
		}
	}
	return string(out)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func TestValidateMcpServerConfig(t *testing.T) {
	r := NewRegistry()
	r.Capture(ClientCapabilities{})

	require.NoError(t, ValidateMcpServerConfig(McpServerConfig{
		Transport: McpTransportStdio,
		Name:      "fs",
		Command:   "npx",
	}, r))

	err := ValidateMcpServerConfig(McpServerConfig{
		Transport: McpTransportSSE,
		Name:      "remote",
		URL:       "https://example.com/sse",
	}, r)
	assert.Error(t, err)

	err = ValidateMcpServerConfig(McpServerConfig{
		Transport: McpTransportHTTP,
		Name:      "remote",
		URL:       "https://example.com/mcp",
	}, r)
	assert.NoError(t, err)
}

func TestValidateContentBlockCapability(t *testing.T) {
	r := NewRegistry()
	r.Capture(ClientCapabilities{})
	assert.NoError(t, ValidateContentBlockCapability(ContentBlockText, r))
	assert.NoError(t, ValidateContentBlockCapability(ContentBlockImage, r))
}
