package filesystem

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/airsstack/airsstack-sub002"
)

type treeEntry struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Children []treeEntry `json:"children,omitempty"`
}

// resolve maps a requested path to an absolute path inside the roots. Relative paths are taken
// from the first root. Existing paths are checked after resolving symlinks; for new paths the
// parent directory must exist inside the roots.
func (s *Server) resolve(requested string) (string, error) {
	p := s.absolute(requested)
	if !s.allowed(p) {
		return "", s.denied(requested)
	}

	realPath, err := filepath.EvalSymlinks(p)
	if err == nil {
		if !s.allowed(realPath) {
			return "", s.denied(requested)
		}
		return realPath, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", mcp.NewToolError("cannot access %s: %v", requested, err)
	}

	parent := filepath.Dir(p)
	realParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", mcp.NewToolError("parent directory of %s does not exist", requested)
	}
	if !s.allowed(realParent) {
		return "", s.denied(requested)
	}
	return filepath.Join(realParent, filepath.Base(p)), nil
}

// resolveNew is resolve for paths whose parents may not exist yet. The nearest existing ancestor
// must be inside the roots.
func (s *Server) resolveNew(requested string) (string, error) {
	p := s.absolute(requested)
	if !s.allowed(p) {
		return "", s.denied(requested)
	}

	ancestor := p
	for {
		if _, err := os.Lstat(ancestor); err == nil {
			break
		}
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			return "", s.denied(requested)
		}
		ancestor = parent
	}
	realAncestor, err := filepath.EvalSymlinks(ancestor)
	if err != nil || !s.allowed(realAncestor) {
		return "", s.denied(requested)
	}
	rel, err := filepath.Rel(ancestor, p)
	if err != nil {
		return "", s.denied(requested)
	}
	return filepath.Join(realAncestor, rel), nil
}

func (s *Server) absolute(requested string) string {
	p := filepath.FromSlash(requested)
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.roots[0], p)
	}
	return filepath.Clean(p)
}

func (s *Server) allowed(path string) bool {
	for _, root := range s.roots {
		if isSubpath(path, root) {
			return true
		}
	}
	return false
}

func (s *Server) denied(requested string) error {
	return mcp.NewToolError("access denied: %s is outside the allowed directories %s",
		requested, strings.Join(s.roots, ", "))
}

func isSubpath(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// fileURI returns the file:// URI of an absolute path.
func fileURI(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

// pathFromURI returns the local path of a file:// URI.
func pathFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return "", mcp.NewProviderError(mcp.ProviderErrorInvalidInput, fmt.Sprintf("not a file uri: %s", uri), err)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", mcp.NewProviderError(mcp.ProviderErrorInvalidInput, fmt.Sprintf("remote file uri: %s", uri), nil)
	}
	return filepath.FromSlash(u.Path), nil
}

func normalizeLineEndings(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

func unifiedDiff(original, modified, path string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(normalizeLineEndings(original), normalizeLineEndings(modified), true)
	patches := dmp.PatchMake(diffs)

	var b strings.Builder
	fmt.Fprintf(&b, "--- %s (original)\n", path)
	fmt.Fprintf(&b, "+++ %s (modified)\n", path)
	b.WriteString(dmp.PatchToText(patches))
	return b.String()
}

// fenced wraps diff in a code fence longer than any backtick run it contains.
func fenced(diff string) string {
	fence := "```"
	for strings.Contains(diff, fence) {
		fence += "`"
	}
	return fmt.Sprintf("%sdiff\n%s%s\n", fence, diff, fence)
}

// applyEdits applies each edit in order. An edit matches its old text exactly, or else line by
// line ignoring surrounding whitespace, in which case the new text takes the matched indentation.
func applyEdits(content string, edits []EditOperation) (string, error) {
	modified := normalizeLineEndings(content)

	for _, edit := range edits {
		oldText := normalizeLineEndings(edit.OldText)
		newText := normalizeLineEndings(edit.NewText)
		if oldText == "" {
			return "", mcp.NewToolError("edit has empty oldText")
		}

		if strings.Contains(modified, oldText) {
			modified = strings.Replace(modified, oldText, newText, 1)
			continue
		}

		replaced, ok := replaceLines(modified, oldText, newText)
		if !ok {
			return "", mcp.NewToolError("could not find a match for edit:\n%s", edit.OldText)
		}
		modified = replaced
	}
	return modified, nil
}

func replaceLines(content, oldText, newText string) (string, bool) {
	oldLines := strings.Split(oldText, "\n")
	lines := strings.Split(content, "\n")

	for i := 0; i+len(oldLines) <= len(lines); i++ {
		if !sameTrimmed(lines[i:i+len(oldLines)], oldLines) {
			continue
		}
		indent := leadingWhitespace(lines[i])
		replacement := reindent(indent, oldLines, strings.Split(newText, "\n"))

		out := make([]string, 0, len(lines)-len(oldLines)+len(replacement))
		out = append(out, lines[:i]...)
		out = append(out, replacement...)
		out = append(out, lines[i+len(oldLines):]...)
		return strings.Join(out, "\n"), true
	}
	return content, false
}

func sameTrimmed(block, want []string) bool {
	for i := range want {
		if strings.TrimSpace(block[i]) != strings.TrimSpace(want[i]) {
			return false
		}
	}
	return true
}

// reindent moves newLines under indent, keeping each line's indentation relative to the old
// line it replaces.
func reindent(indent string, oldLines, newLines []string) []string {
	out := make([]string, 0, len(newLines))
	for i, line := range newLines {
		trimmed := strings.TrimLeft(line, " \t")
		switch {
		case i == 0:
			out = append(out, indent+trimmed)
		case strings.TrimSpace(line) == "":
			out = append(out, indent)
		default:
			oldIndent := ""
			if i < len(oldLines) {
				oldIndent = leadingWhitespace(oldLines[i])
			}
			extra := max(0, len(leadingWhitespace(line))-len(oldIndent))
			out = append(out, indent+strings.Repeat(" ", extra)+trimmed)
		}
	}
	return out
}

func leadingWhitespace(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}

func buildTree(dir string) ([]treeEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	tree := make([]treeEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}
		node := treeEntry{Name: entry.Name(), Type: "file"}
		if entry.IsDir() {
			node.Type = "directory"
			children, err := buildTree(filepath.Join(dir, entry.Name()))
			if err != nil {
				return nil, err
			}
			node.Children = children
		}
		tree = append(tree, node)
	}
	return tree, nil
}

// search walks root and returns the paths whose slash-separated path relative to root matches
// pattern. A pattern without glob syntax matches names containing it, ignoring case.
func (s *Server) search(root, pattern string, exclude []string) ([]string, error) {
	var match func(rel, name string) bool
	if strings.ContainsAny(pattern, "*?[{") {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, mcp.NewToolError("invalid pattern %q: %v", pattern, err)
		}
		match = func(rel, name string) bool { return g.Match(rel) || g.Match(name) }
	} else {
		needle := strings.ToLower(pattern)
		match = func(_, name string) bool { return strings.Contains(strings.ToLower(name), needle) }
	}

	excluded := make([]glob.Glob, 0, len(exclude))
	for _, p := range exclude {
		if !strings.ContainsAny(p, "*?[{") {
			p = "**" + p + "**"
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, mcp.NewToolError("invalid exclude pattern %q: %v", p, err)
		}
		excluded = append(excluded, g)
	}

	var results []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		for _, g := range excluded {
			if g.Match(rel) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		// Symlinks may point outside the roots.
		if d.Type()&fs.ModeSymlink != 0 {
			if _, err := s.resolve(path); err != nil {
				return nil
			}
		}
		if match(rel, d.Name()) {
			results = append(results, path)
		}
		return nil
	})
	return results, err
}
