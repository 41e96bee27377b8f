package capability

import (
	"encoding/base64"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/kandev/claude-acp-proxy/internal/apperr"
	"github.com/kandev/claude-acp-proxy/internal/idgen"
)

// MaxDecodedContentBytes bounds decoded base64 content for images/audio,
// per spec default of 10 MiB.
const MaxDecodedContentBytes = 10 * 1024 * 1024

// ValidateSessionID parses a SessionId and converts any parse failure into
// a -32602 error with structured data.
func ValidateSessionID(id string) error {
	if _, err := idgen.ParseSessionID(id); err != nil {
		return apperr.ValidationError("sessionId", err.Error(), map[string]any{"sessionId": id})
	}
	return nil
}

// ValidateCwd requires an absolute, existing, readable directory.
func ValidateCwd(cwd string) error {
	if !filepath.IsAbs(cwd) {
		return apperr.ValidationError("cwd", "not_absolute", map[string]any{"cwd": cwd})
	}
	info, err := os.Stat(cwd)
	if err != nil {
		return apperr.ValidationError("cwd", "not_found", map[string]any{"cwd": cwd})
	}
	if !info.IsDir() {
		return apperr.ValidationError("cwd", "not_a_directory", map[string]any{"cwd": cwd})
	}
	f, err := os.Open(cwd)
	if err != nil {
		return apperr.ValidationError("cwd", "not_readable", map[string]any{"cwd": cwd})
	}
	_ = f.Close()
	return nil
}

var privateMetadataHosts = map[string]bool{
	"169.254.169.254":       true,
	"metadata.google.internal": true,
}

// ValidateURL requires a parseable http/https URL whose host is not a
// private, loopback, link-local, or cloud-metadata address.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return apperr.ValidationError("url", "unparseable", map[string]any{"error": "invalid_url"})
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apperr.ValidationError("url", "unsupported_scheme", map[string]any{"error": "invalid_scheme"})
	}
	host := u.Hostname()
	if host == "" {
		return apperr.ValidationError("url", "missing_host", map[string]any{"error": "invalid_url"})
	}
	if privateMetadataHosts[strings.ToLower(host)] {
		return apperr.ValidationError("url", "ssrf_blocked", map[string]any{"error": "ssrf_blocked"})
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return apperr.ValidationError("url", "ssrf_blocked", map[string]any{"error": "ssrf_blocked"})
		}
	}
	return nil
}

// ValidatePath runs the three-stage traversal check described for
// filesystem tool arguments: a quick string pre-check, a canonical
// component walk, and a within-root check against the session cwd.
func ValidatePath(path, root string) error {
	if strings.Contains(path, "..") || strings.Contains(path, "\\") {
		return apperr.ValidationError("path", "traversal_rejected", map[string]any{"path": path})
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." || part == "." {
			return apperr.ValidationError("path", "traversal_rejected", map[string]any{"path": path})
		}
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, path)
	}
	cleaned := filepath.Clean(abs)
	rel, err := filepath.Rel(root, cleaned)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return apperr.ValidationError("path", "outside_root", map[string]any{"path": path})
	}
	return nil
}

const base64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/="

// ValidateBase64 checks the string is non-empty, drawn from the base64
// alphabet (ignoring whitespace), and of a length that is a multiple of 4
// once trimmed.
func ValidateBase64(data string) error {
	if data == "" {
		return apperr.ValidationError("data", "empty", nil)
	}
	trimmed := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, data)
	if trimmed == "" {
		return apperr.ValidationError("data", "empty", nil)
	}
	if len(trimmed)%4 != 0 {
		return apperr.ValidationError("data", "bad_length", nil)
	}
	for _, r := range trimmed {
		if !strings.ContainsRune(base64Alphabet, r) {
			return apperr.ValidationError("data", "bad_alphabet", nil)
		}
	}
	if _, err := base64.StdEncoding.DecodeString(trimmed); err != nil {
		return apperr.ValidationError("data", "bad_encoding", nil)
	}
	return nil
}

var imageMagic = map[string][]byte{
	"image/png":  {0x89, 0x50, 0x4E, 0x47},
	"image/jpeg": {0xFF, 0xD8, 0xFF},
	"image/gif":  {0x47, 0x49, 0x46, 0x38},
	"image/webp": {0x52, 0x49, 0x46, 0x46},
}

var audioMagic = map[string][]byte{
	"audio/wav":  {0x52, 0x49, 0x46, 0x46},
	"audio/mpeg": {0xFF, 0xFB},
	"audio/ogg":  {0x4F, 0x67, 0x67, 0x53},
	"audio/aac":  {0xFF, 0xF1},
}

// ValidateMediaContent decodes base64 data and checks its magic header
// matches the declared MIME type, and that it does not exceed
// MaxDecodedContentBytes.
func ValidateMediaContent(mimeType, base64Data string) error {
	if err := ValidateBase64(base64Data); err != nil {
		return err
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(base64Data))
	if err != nil {
		return apperr.ValidationError("data", "bad_encoding", nil)
	}
	if len(decoded) > MaxDecodedContentBytes {
		return apperr.ValidationError("data", "too_large", map[string]any{"maxBytes": MaxDecodedContentBytes})
	}
	magic, known := imageMagic[mimeType]
	if !known {
		magic, known = audioMagic[mimeType]
	}
	if !known {
		return apperr.ValidationError("mimeType", "unsupported", map[string]any{"mimeType": mimeType})
	}
	if len(decoded) < len(magic) || string(decoded[:len(magic)]) != string(magic) {
		return apperr.ValidationError("data", "mime_mismatch", map[string]any{"mimeType": mimeType})
	}
	return nil
}

// McpTransport identifies which variant of McpServerConfig is being
// validated.
type McpTransport string

const (
	McpTransportStdio McpTransport = "stdio"
	McpTransportHTTP  McpTransport = "http"
	McpTransportSSE   McpTransport = "sse"
)

// McpServerConfig is the sum type of the three MCP transport variants a
// session can request.
type McpServerConfig struct {
	Transport McpTransport
	Name      string
	Command   string
	Args      []string
	Env       map[string]string
	Cwd       string
	URL       string
	Headers   map[string]string
}

// ValidateMcpServerConfig validates name/variant-specific fields and the
// transport against the registry's capability gates.
func ValidateMcpServerConfig(cfg McpServerConfig, registry *Registry) error {
	if cfg.Name == "" {
		return apperr.ValidationError("mcp.name", "empty", nil)
	}
	switch cfg.Transport {
	case McpTransportStdio:
		if cfg.Command == "" {
			return apperr.ValidationError("mcp.command", "empty", map[string]any{"name": cfg.Name})
		}
		if cfg.Cwd != "" {
			if !filepath.IsAbs(cfg.Cwd) {
				return apperr.ValidationError("mcp.cwd", "not_absolute", map[string]any{"name": cfg.Name})
			}
			if _, err := os.Stat(cfg.Cwd); err != nil {
				return apperr.ValidationError("mcp.cwd", "not_found", map[string]any{"name": cfg.Name})
			}
		}
		return nil
	case McpTransportHTTP:
		if err := registry.RequireMcpHTTP(); err != nil {
			return err
		}
		return ValidateURL(cfg.URL)
	case McpTransportSSE:
		if err := registry.RequireMcpSSE(); err != nil {
			return err
		}
		return ValidateURL(cfg.URL)
	default:
		return apperr.ValidationError("mcp.transport", "unknown", map[string]any{"transport": string(cfg.Transport)})
	}
}

// ContentBlockKind names the prompt content block variants that require
// capability gating.
type ContentBlockKind string

const (
	ContentBlockText         ContentBlockKind = "text"
	ContentBlockImage        ContentBlockKind = "image"
	ContentBlockAudio        ContentBlockKind = "audio"
	ContentBlockResource     ContentBlockKind = "resource"
	ContentBlockResourceLink ContentBlockKind = "resource_link"
)

// ValidateContentBlockCapability gates a prompt content block kind against
// the registry's negotiated prompt capabilities. Text is always allowed.
func ValidateContentBlockCapability(kind ContentBlockKind, registry *Registry) error {
	switch kind {
	case ContentBlockText:
		return nil
	case ContentBlockImage:
		return registry.RequireImage()
	case ContentBlockAudio:
		return registry.RequireAudio()
	case ContentBlockResource, ContentBlockResourceLink:
		return registry.RequireEmbeddedContext()
	default:
		return apperr.ValidationError("contentBlock.type", "unknown", map[string]any{"type": string(kind)})
	}
}
