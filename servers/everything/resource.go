package everything

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/airsstack/airsstack-sub002"
)

// StaticURIPrefix prefixes the URI of every static resource.
const StaticURIPrefix = "everything://static/"

// StaticResources serves the regular files of an fs.FS as resources named
// everything://static/<path>. It implements mcp.ResourceProvider and mcp.ResourceUpdater.
type StaticResources struct {
	fsys     fs.FS
	logger   *slog.Logger
	interval time.Duration

	mu         sync.Mutex
	subscribed map[string]struct{}

	updates   chan string
	done      chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

// StaticOption configures StaticResources.
type StaticOption func(*StaticResources)

// WithStaticLogger sets the logger.
func WithStaticLogger(logger *slog.Logger) StaticOption {
	return func(r *StaticResources) {
		r.logger = logger
	}
}

// WithUpdateInterval makes every subscribed resource report an update each interval. Zero,
// the default, reports updates only through Touch.
func WithUpdateInterval(d time.Duration) StaticOption {
	return func(r *StaticResources) {
		r.interval = d
	}
}

// NewStaticResources serves fsys. Callers must call Close when finished.
func NewStaticResources(fsys fs.FS, opts ...StaticOption) *StaticResources {
	r := &StaticResources{
		fsys:       fsys,
		logger:     slog.Default(),
		subscribed: make(map[string]struct{}),
		updates:    make(chan string, 64),
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("package", "airs-mcp"), slog.String("component", "static-resources"))

	if r.interval > 0 {
		go r.simulateUpdates()
	} else {
		close(r.closed)
	}
	return r
}

// Close stops update simulation and ends the update stream.
func (r *StaticResources) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	<-r.closed
}

// Paths returns the slash-separated paths of every regular file, sorted.
func (r *StaticResources) Paths() ([]string, error) {
	var paths []string
	err := fs.WalkDir(r.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk static resources: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// ListResources implements mcp.ResourceProvider.
func (r *StaticResources) ListResources(context.Context) ([]mcp.Resource, error) {
	paths, err := r.Paths()
	if err != nil {
		return nil, mcp.NewProviderError(mcp.ProviderErrorUnavailable, "cannot list static resources", err)
	}
	resources := make([]mcp.Resource, 0, len(paths))
	for _, p := range paths {
		res := mcp.Resource{
			URI:      StaticURIPrefix + p,
			Name:     p,
			MimeType: mimeByExtension(p),
		}
		if info, err := fs.Stat(r.fsys, p); err == nil {
			res.Size = info.Size()
		}
		resources = append(resources, res)
	}
	return resources, nil
}

// ListResourceTemplates implements mcp.ResourceProvider.
func (r *StaticResources) ListResourceTemplates(context.Context) ([]mcp.ResourceTemplate, error) {
	return []mcp.ResourceTemplate{
		{
			URITemplate: StaticURIPrefix + "{path}",
			Name:        "Static resource",
			Description: "A file of the static resource tree",
		},
	}, nil
}

// ReadResource implements mcp.ResourceProvider.
func (r *StaticResources) ReadResource(_ context.Context, uri string) ([]mcp.ResourceContents, error) {
	p, err := staticPath(uri)
	if err != nil {
		return nil, err
	}
	data, err := fs.ReadFile(r.fsys, p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, mcp.NewProviderError(mcp.ProviderErrorNotFound, fmt.Sprintf("resource not found: %s", uri), err)
		}
		return nil, mcp.NewProviderError(mcp.ProviderErrorUnavailable, fmt.Sprintf("cannot read %s", uri), err)
	}

	mimeType := mimeByExtension(p)
	if mimeType == "" {
		mimeType, _, _ = mime.ParseMediaType(http.DetectContentType(data))
	}
	if utf8.Valid(data) && isTextual(mimeType) {
		return []mcp.ResourceContents{{URI: uri, MimeType: mimeType, Text: string(data)}}, nil
	}
	return []mcp.ResourceContents{{
		URI:      uri,
		MimeType: mimeType,
		Blob:     base64.StdEncoding.EncodeToString(data),
	}}, nil
}

// Subscribe implements mcp.ResourceProvider.
func (r *StaticResources) Subscribe(_ context.Context, uri string) error {
	p, err := staticPath(uri)
	if err != nil {
		return err
	}
	if _, err := fs.Stat(r.fsys, p); err != nil {
		return mcp.NewProviderError(mcp.ProviderErrorNotFound, fmt.Sprintf("resource not found: %s", uri), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribed[uri] = struct{}{}
	r.logger.Debug("subscribed", slog.String("uri", uri))
	return nil
}

// Unsubscribe implements mcp.ResourceProvider.
func (r *StaticResources) Unsubscribe(_ context.Context, uri string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribed, uri)
	return nil
}

// Touch reports an update of the resource at p if anyone subscribed to it. It reports
// whether an update was queued.
func (r *StaticResources) Touch(p string) bool {
	uri := StaticURIPrefix + p

	r.mu.Lock()
	_, ok := r.subscribed[uri]
	r.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case r.updates <- uri:
		return true
	default:
		r.logger.Warn("dropped resource update", slog.String("uri", uri))
		return false
	}
}

// ResourceUpdates implements mcp.ResourceUpdater.
func (r *StaticResources) ResourceUpdates() iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			select {
			case <-r.done:
				return
			case uri := <-r.updates:
				if !yield(uri) {
					return
				}
			}
		}
	}
}

func (r *StaticResources) simulateUpdates() {
	defer close(r.closed)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		uris := make([]string, 0, len(r.subscribed))
		for uri := range r.subscribed {
			uris = append(uris, uri)
		}
		r.mu.Unlock()

		for _, uri := range uris {
			r.Touch(strings.TrimPrefix(uri, StaticURIPrefix))
		}
	}
}

func staticPath(uri string) (string, error) {
	p, ok := strings.CutPrefix(uri, StaticURIPrefix)
	if !ok || !fs.ValidPath(p) || p == "." {
		return "", mcp.NewProviderError(mcp.ProviderErrorInvalidInput, fmt.Sprintf("not a static resource: %s", uri), nil)
	}
	return p, nil
}

func mimeByExtension(p string) string {
	t := mime.TypeByExtension(path.Ext(p))
	if t == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(t)
	if err != nil {
		return ""
	}
	return mediaType
}

func isTextual(mimeType string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	switch mimeType {
	case "application/json", "application/xml", "application/javascript", "image/svg+xml":
		return true
	}
	return strings.HasSuffix(mimeType, "+json") || strings.HasSuffix(mimeType, "+xml")
}
