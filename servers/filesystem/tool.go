package filesystem

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
	"unicode/utf8"

	"github.com/airsstack/airsstack-sub002"
)

var readOnly = &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true}

var toolList = []mcp.Tool{
	{
		Name: "read_file",
		Description: "Read the complete contents of a text file. " +
			"Only works within allowed directories.",
		InputSchema: pathSchema,
		Annotations: readOnly,
	},
	{
		Name: "read_multiple_files",
		Description: "Read several files at once. Each file's content is returned with its path; " +
			"a failed read does not stop the others.",
		InputSchema: readMultipleFilesSchema,
		Annotations: readOnly,
	},
	{
		Name: "write_file",
		Description: "Create a file or overwrite an existing one. " +
			"Only works within allowed directories.",
		InputSchema: writeFileSchema,
		Annotations: &mcp.ToolAnnotations{DestructiveHint: true, IdempotentHint: true},
	},
	{
		Name: "edit_file",
		Description: "Replace text in a file and return a unified diff of the change. " +
			"With dryRun the diff is returned and the file is left untouched.",
		InputSchema: editFileSchema,
		Annotations: &mcp.ToolAnnotations{DestructiveHint: true},
	},
	{
		Name:        "create_directory",
		Description: "Create a directory and any missing parents. Succeeds if it already exists.",
		InputSchema: pathSchema,
		Annotations: &mcp.ToolAnnotations{IdempotentHint: true},
	},
	{
		Name:        "list_directory",
		Description: "List a directory. Entries are prefixed with [FILE] or [DIR].",
		InputSchema: pathSchema,
		Annotations: readOnly,
	},
	{
		Name:        "directory_tree",
		Description: "Recursive JSON tree of a directory with name, type and children.",
		InputSchema: pathSchema,
		Annotations: readOnly,
	},
	{
		Name:        "move_file",
		Description: "Move or rename a file or directory. Fails if the destination exists.",
		InputSchema: moveFileSchema,
		Annotations: &mcp.ToolAnnotations{DestructiveHint: true},
	},
	{
		Name:        "search_files",
		Description: "Recursively search for files and directories matching a glob or name substring.",
		InputSchema: searchFilesSchema,
		Annotations: readOnly,
	},
	{
		Name:        "get_file_info",
		Description: "Size, modification time, type and permissions of a file or directory, as JSON.",
		InputSchema: pathSchema,
		Annotations: readOnly,
	},
	{
		Name:        "list_allowed_directories",
		Description: "List the directories this server may access.",
		InputSchema: emptySchema,
		Annotations: readOnly,
	},
}

func (s *Server) readFile(args ReadFileArgs) ([]mcp.Content, error) {
	text, err := s.readText(args.Path)
	if err != nil {
		return nil, err
	}
	return []mcp.Content{mcp.NewTextContent(text)}, nil
}

func (s *Server) readText(requested string) (string, error) {
	path, err := s.resolve(requested)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", toolError("read", requested, err)
	}
	if !utf8.Valid(data) {
		return "", mcp.NewToolError("%s is not a text file; read it as a resource instead", requested)
	}
	return string(data), nil
}

func (s *Server) readMultipleFiles(args ReadMultipleFilesArgs) ([]mcp.Content, error) {
	if len(args.Paths) == 0 {
		return nil, mcp.NewToolError("paths must not be empty")
	}
	contents := make([]mcp.Content, 0, len(args.Paths))
	for _, p := range args.Paths {
		text, err := s.readText(p)
		if err != nil {
			contents = append(contents, mcp.NewTextContent(fmt.Sprintf("%s: Error - %v", p, err)))
			continue
		}
		contents = append(contents, mcp.NewTextContent(fmt.Sprintf("%s:\n%s", p, text)))
	}
	return contents, nil
}

func (s *Server) writeFile(args WriteFileArgs) ([]mcp.Content, error) {
	path, err := s.resolve(args.Path)
	if err != nil {
		return nil, err
	}
	_, statErr := os.Stat(path)
	created := errors.Is(statErr, fs.ErrNotExist)

	if err := os.WriteFile(path, []byte(args.Content), 0o600); err != nil {
		return nil, toolError("write", args.Path, err)
	}
	s.changed(path, created)
	return []mcp.Content{mcp.NewTextContent(fmt.Sprintf("Successfully wrote to %s", args.Path))}, nil
}

func (s *Server) editFile(args EditFileArgs) ([]mcp.Content, error) {
	if len(args.Edits) == 0 {
		return nil, mcp.NewToolError("edits must not be empty")
	}
	path, err := s.resolve(args.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, toolError("read", args.Path, err)
	}

	modified, err := applyEdits(string(data), args.Edits)
	if err != nil {
		return nil, err
	}
	diff := fenced(unifiedDiff(string(data), modified, args.Path))

	if !args.DryRun {
		if err := os.WriteFile(path, []byte(modified), 0o600); err != nil {
			return nil, toolError("write", args.Path, err)
		}
		s.changed(path, false)
	}
	return []mcp.Content{mcp.NewTextContent(diff)}, nil
}

func (s *Server) createDirectory(args PathArgs) ([]mcp.Content, error) {
	path, err := s.resolveNew(args.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, toolError("create", args.Path, err)
	}
	s.changed(path, true)
	return []mcp.Content{mcp.NewTextContent(fmt.Sprintf("Successfully created directory %s", args.Path))}, nil
}

func (s *Server) listDirectory(args PathArgs) ([]mcp.Content, error) {
	path, err := s.resolve(args.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, toolError("list", args.Path, err)
	}
	if len(entries) == 0 {
		return []mcp.Content{mcp.NewTextContent("Directory is empty")}, nil
	}

	contents := make([]mcp.Content, 0, len(entries))
	for _, e := range entries {
		prefix := "[FILE]"
		if e.IsDir() {
			prefix = "[DIR]"
		}
		contents = append(contents, mcp.NewTextContent(prefix+" "+e.Name()))
	}
	return contents, nil
}

func (s *Server) directoryTree(args PathArgs) ([]mcp.Content, error) {
	path, err := s.resolve(args.Path)
	if err != nil {
		return nil, err
	}
	tree, err := buildTree(path)
	if err != nil {
		return nil, toolError("walk", args.Path, err)
	}
	out, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tree: %w", err)
	}
	return []mcp.Content{mcp.NewTextContent(string(out))}, nil
}

func (s *Server) moveFile(args MoveFileArgs) ([]mcp.Content, error) {
	src, err := s.resolve(args.Source)
	if err != nil {
		return nil, err
	}
	dst, err := s.resolve(args.Destination)
	if err != nil {
		return nil, err
	}
	if _, err := os.Lstat(dst); err == nil {
		return nil, mcp.NewToolError("destination %s already exists", args.Destination)
	}
	if err := os.Rename(src, dst); err != nil {
		return nil, toolError("move", args.Source, err)
	}
	s.changed(src, true)
	s.changed(dst, true)
	return []mcp.Content{
		mcp.NewTextContent(fmt.Sprintf("Successfully moved %s to %s", args.Source, args.Destination)),
	}, nil
}

func (s *Server) searchFiles(args SearchFilesArgs) ([]mcp.Content, error) {
	if args.Pattern == "" {
		return nil, mcp.NewToolError("pattern must not be empty")
	}
	root, err := s.resolve(args.Path)
	if err != nil {
		return nil, err
	}
	matches, err := s.search(root, args.Pattern, args.Exclude)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return []mcp.Content{mcp.NewTextContent("No matches found")}, nil
	}

	contents := make([]mcp.Content, 0, len(matches))
	for _, m := range matches {
		contents = append(contents, mcp.NewTextContent(m))
	}
	return contents, nil
}

func (s *Server) getFileInfo(args PathArgs) ([]mcp.Content, error) {
	path, err := s.resolve(args.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, toolError("stat", args.Path, err)
	}

	fi := FileInfo{
		Path:        path,
		Size:        info.Size(),
		Modified:    info.ModTime().UTC().Format(time.RFC3339),
		IsDirectory: info.IsDir(),
		IsFile:      info.Mode().IsRegular(),
		Permissions: info.Mode().Perm().String(),
	}
	if fi.IsFile {
		fi.MimeType = mimeByExtension(path)
	}
	out, err := json.MarshalIndent(fi, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal file info: %w", err)
	}
	return []mcp.Content{mcp.NewTextContent(string(out))}, nil
}

func (s *Server) listAllowedDirectories() []mcp.Content {
	contents := make([]mcp.Content, 0, len(s.roots))
	for _, root := range s.roots {
		contents = append(contents, mcp.NewTextContent(root))
	}
	return contents
}

func toolError(op, path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return mcp.NewToolError("%s does not exist", path)
	case errors.Is(err, fs.ErrPermission):
		return mcp.NewToolError("permission denied: %s", path)
	default:
		return mcp.NewToolError("failed to %s %s: %v", op, path, err)
	}
}
