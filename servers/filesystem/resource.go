package filesystem

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/airsstack/airsstack-sub002"
)

var errResourceLimit = errors.New("resource limit reached")

// ListResources implements mcp.ResourceProvider. It lists regular files under the roots, up to
// the configured maximum, skipping .git directories.
func (s *Server) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	var resources []mcp.Resource
	for _, root := range s.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				if d.Name() == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if len(resources) >= s.maxResources {
				return errResourceLimit
			}

			info, err := d.Info()
			if err != nil {
				return nil
			}
			rel, _ := filepath.Rel(root, path)
			resources = append(resources, mcp.Resource{
				URI:      fileURI(path),
				Name:     filepath.ToSlash(rel),
				MimeType: mimeByExtension(path),
				Size:     info.Size(),
			})
			return nil
		})
		if errors.Is(err, errResourceLimit) {
			s.logger.Warn("resource listing truncated", slog.Int("max", s.maxResources))
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return resources, nil
}

// ListResourceTemplates implements mcp.ResourceProvider.
func (s *Server) ListResourceTemplates(context.Context) ([]mcp.ResourceTemplate, error) {
	return []mcp.ResourceTemplate{
		{
			URITemplate: "file:///{path}",
			Name:        "Local file",
			Description: "Any file under the allowed directories",
		},
	}, nil
}

// ReadResource implements mcp.ResourceProvider. UTF-8 text is returned as text, anything else
// as a base64 blob.
func (s *Server) ReadResource(_ context.Context, uri string) ([]mcp.ResourceContents, error) {
	path, err := s.resourcePath(uri)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, mcp.NewProviderError(mcp.ProviderErrorNotFound, fmt.Sprintf("resource not found: %s", uri), err)
	}
	if info.IsDir() {
		return nil, mcp.NewProviderError(mcp.ProviderErrorInvalidInput, fmt.Sprintf("%s is a directory", uri), nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, mcp.NewProviderError(mcp.ProviderErrorUnavailable, fmt.Sprintf("cannot read %s", uri), err)
	}

	mimeType := detectMimeType(path, data)
	if utf8.Valid(data) && isTextual(mimeType) {
		return []mcp.ResourceContents{{URI: uri, MimeType: mimeType, Text: string(data)}}, nil
	}
	return []mcp.ResourceContents{{
		URI:      uri,
		MimeType: mimeType,
		Blob:     base64.StdEncoding.EncodeToString(data),
	}}, nil
}

// Subscribe implements mcp.ResourceProvider. Only files under the roots can be subscribed to.
func (s *Server) Subscribe(_ context.Context, uri string) error {
	if _, err := s.resourcePath(uri); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed[uri] = struct{}{}
	return nil
}

// Unsubscribe implements mcp.ResourceProvider.
func (s *Server) Unsubscribe(_ context.Context, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribed, uri)
	return nil
}

func (s *Server) resourcePath(uri string) (string, error) {
	p, err := pathFromURI(uri)
	if err != nil {
		return "", err
	}
	path, err := s.resolve(p)
	if err != nil {
		return "", mcp.NewProviderError(mcp.ProviderErrorPermissionDenied, fmt.Sprintf("access denied: %s", uri), err)
	}
	return path, nil
}

func mimeByExtension(path string) string {
	t := mime.TypeByExtension(filepath.Ext(path))
	if t == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(t)
	if err != nil {
		return ""
	}
	return mediaType
}

// detectMimeType uses the extension, falling back to content sniffing.
func detectMimeType(path string, data []byte) string {
	if t := mimeByExtension(path); t != "" {
		return t
	}
	mediaType, _, err := mime.ParseMediaType(http.DetectContentType(data))
	if err != nil {
		return "application/octet-stream"
	}
	return mediaType
}

func isTextual(mimeType string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	switch mimeType {
	case "application/json", "application/xml", "application/javascript", "application/x-yaml",
		"application/toml", "image/svg+xml":
		return true
	}
	return strings.HasSuffix(mimeType, "+json") || strings.HasSuffix(mimeType, "+xml")
}
