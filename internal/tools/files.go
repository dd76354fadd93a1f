package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"

	"specnerd/internal/classify"
	"specnerd/internal/config"
	"specnerd/internal/logging"
	"specnerd/internal/types"
)

// Built-in tool names.
const (
	ReadFile    = "readFile"
	WriteFile   = "writeFile"
	EditFile    = "editFile"
	ListFiles   = "listFiles"
	SearchFiles = "searchFiles"
)

const (
	defaultMaxMatches = 50
	maxReadBytes      = 1 << 20
)

// FileTools returns the built-in project file tools.
func FileTools() []*Tool {
	return []*Tool{ReadFileTool(), WriteFileTool(), EditFileTool(), ListFilesTool(), SearchFilesTool()}
}

// ReadFileTool returns a tool for reading file contents.
func ReadFileTool() *Tool {
	return &Tool{
		Name:        ReadFile,
		Description: "Read a file of the project, optionally a line range",
		Execute:     executeReadFile,
		Schema: ToolSchema{
			Required: []string{"path"},
			Properties: map[string]Property{
				"path":      {Type: "string", Description: "File path relative to the project directory"},
				"startLine": {Type: "integer", Description: "First line to return (1-indexed, optional)"},
				"endLine":   {Type: "integer", Description: "Last line to return (inclusive, optional)"},
			},
		},
	}
}

func executeReadFile(_ context.Context, call Call) (any, error) {
	path, err := pathArg(call)
	if err != nil {
		return nil, err
	}
	info, err := call.Fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, use %s", path, ListFiles)
	}
	if info.Size() > maxReadBytes {
		return nil, fmt.Errorf("%s is %d bytes, larger than the %d byte read limit", path, info.Size(), maxReadBytes)
	}

	content, err := afero.ReadFile(call.Fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	result := string(content)

	start, err := intArg(call.Args, "startLine", 0)
	if err != nil {
		return nil, err
	}
	end, err := intArg(call.Args, "endLine", 0)
	if err != nil {
		return nil, err
	}
	if start > 0 || end > 0 {
		lines := strings.Split(result, "\n")
		if start < 1 {
			start = 1
		}
		if end < 1 || end > len(lines) {
			end = len(lines)
		}
		if start > end {
			return nil, fmt.Errorf("startLine %d is past endLine %d", start, end)
		}
		result = strings.Join(lines[start-1:end], "\n")
	}

	logging.ToolsDebug("readFile completed: %s (%d bytes)", path, len(result))
	return result, nil
}

// WriteFileTool returns a tool for writing content to a file.
func WriteFileTool() *Tool {
	return &Tool{
		Name:        WriteFile,
		Description: "Write content to a project file, creating it and its directories if needed",
		Execute:     executeWriteFile,
		Mutates:     true,
		Schema: ToolSchema{
			Required: []string{"path", "content"},
			Properties: map[string]Property{
				"path":    {Type: "string", Description: "File path relative to the project directory"},
				"content": {Type: "string", Description: "The content to write"},
				"append":  {Type: "boolean", Description: "Append instead of replacing (default: false)", Default: false},
			},
		},
	}
}

func executeWriteFile(_ context.Context, call Call) (any, error) {
	path, err := pathArg(call)
	if err != nil {
		return nil, err
	}
	content, err := stringArg(call.Args, "content")
	if err != nil {
		return nil, err
	}
	appendMode, err := boolArg(call.Args, "append", false)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := call.Fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directories: %w", err)
		}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appendMode {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := call.Fs.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	logging.Tools("writeFile completed: %s (%d bytes)", path, len(content))
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

// EditFileTool returns a tool for editing files with search/replace.
func EditFileTool() *Tool {
	return &Tool{
		Name:        EditFile,
		Description: "Edit a project file by replacing text",
		Execute:     executeEditFile,
		Mutates:     true,
		Schema: ToolSchema{
			Required: []string{"path", "oldText", "newText"},
			Properties: map[string]Property{
				"path":       {Type: "string", Description: "File path relative to the project directory"},
				"oldText":    {Type: "string", Description: "The exact text to replace"},
				"newText":    {Type: "string", Description: "The replacement text"},
				"replaceAll": {Type: "boolean", Description: "Replace every occurrence (default: first only)", Default: false},
			},
		},
	}
}

func executeEditFile(_ context.Context, call Call) (any, error) {
	path, err := pathArg(call)
	if err != nil {
		return nil, err
	}
	oldText, err := stringArg(call.Args, "oldText")
	if err != nil {
		return nil, err
	}
	if oldText == "" {
		return nil, fmt.Errorf("oldText must not be empty")
	}
	newText, err := stringArg(call.Args, "newText")
	if err != nil {
		return nil, err
	}
	replaceAll, err := boolArg(call.Args, "replaceAll", false)
	if err != nil {
		return nil, err
	}

	content, err := afero.ReadFile(call.Fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	text := string(content)
	if !strings.Contains(text, oldText) {
		return nil, fmt.Errorf("oldText not found in %s", path)
	}

	count := 1
	if replaceAll {
		count = strings.Count(text, oldText)
		text = strings.ReplaceAll(text, oldText, newText)
	} else {
		text = strings.Replace(text, oldText, newText, 1)
	}
	if err := afero.WriteFile(call.Fs, path, []byte(text), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	logging.Tools("editFile completed: %s (%d replacements)", path, count)
	return fmt.Sprintf("Replaced %d occurrence(s) in %s", count, path), nil
}

// ListFilesTool returns a tool for listing directory contents.
func ListFilesTool() *Tool {
	return &Tool{
		Name:        ListFiles,
		Description: "List files of the project. Directories end with a slash",
		Execute:     executeListFiles,
		Schema: ToolSchema{
			Properties: map[string]Property{
				"path":      {Type: "string", Description: "Directory relative to the project directory (default: the project root)"},
				"recursive": {Type: "boolean", Description: "List recursively (default: false)", Default: false},
			},
		},
	}
}

func executeListFiles(_ context.Context, call Call) (any, error) {
	dir := "."
	if _, ok := call.Args["path"]; ok {
		p, err := pathArg(call)
		if err != nil {
			return nil, err
		}
		dir = p
	}
	recursive, err := boolArg(call.Args, "recursive", false)
	if err != nil {
		return nil, err
	}

	files := []string{}
	if recursive {
		err = afero.Walk(call.Fs, dir, func(p string, info fs.FileInfo, err error) error {
			if err != nil {
				return nil // Skip errors
			}
			if p != dir && strings.HasPrefix(info.Name(), ".") {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			rel, _ := filepath.Rel(dir, p)
			if rel == "." {
				return nil
			}
			if info.IsDir() {
				rel += "/"
			}
			files = append(files, filepath.ToSlash(rel))
			return nil
		})
	} else {
		var entries []fs.FileInfo
		entries, err = afero.ReadDir(call.Fs, dir)
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".") {
				continue
			}
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			files = append(files, name)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	logging.ToolsDebug("listFiles completed: %s (%d entries)", dir, len(files))
	return files, nil
}

// SearchFilesTool returns a tool for searching file contents.
func SearchFilesTool() *Tool {
	return &Tool{
		Name:        SearchFiles,
		Description: "Search project files for a regular expression",
		Execute:     executeSearchFiles,
		Schema: ToolSchema{
			Required: []string{"pattern"},
			Properties: map[string]Property{
				"pattern":     {Type: "string", Description: "Regular expression to search for"},
				"path":        {Type: "string", Description: "File or directory to search (default: the project root)"},
				"filePattern": {Type: "string", Description: "Glob for file names to search (e.g. '*.md')"},
				"ignoreCase":  {Type: "boolean", Description: "Case insensitive search (default: false)", Default: false},
				"maxResults":  {Type: "integer", Description: "Maximum number of matches (default: 50)", Default: defaultMaxMatches},
			},
		},
	}
}

// SearchMatch is a single line matching a search.
type SearchMatch struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func executeSearchFiles(ctx context.Context, call Call) (any, error) {
	pattern, err := stringArg(call.Args, "pattern")
	if err != nil {
		return nil, err
	}
	ignoreCase, err := boolArg(call.Args, "ignoreCase", false)
	if err != nil {
		return nil, err
	}
	if ignoreCase {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	filePattern, err := optionalString(call.Args, "filePattern")
	if err != nil {
		return nil, err
	}
	maxResults, err := intArg(call.Args, "maxResults", defaultMaxMatches)
	if err != nil {
		return nil, err
	}
	if maxResults <= 0 {
		maxResults = defaultMaxMatches
	}
	root := "."
	if _, ok := call.Args["path"]; ok {
		if root, err = pathArg(call); err != nil {
			return nil, err
		}
	}

	matches := []SearchMatch{}
	err = afero.Walk(call.Fs, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(matches) >= maxResults {
			return filepath.SkipAll
		}
		if p != root && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if filePattern != "" {
			if ok, _ := filepath.Match(filePattern, info.Name()); !ok {
				return nil
			}
		}
		found, err := searchFile(call.Fs, p, re, maxResults-len(matches))
		if err != nil {
			return nil
		}
		matches = append(matches, found...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.ToolsDebug("searchFiles completed: %q (%d matches)", pattern, len(matches))
	return matches, nil
}

func searchFile(fsys afero.Fs, path string, re *regexp.Regexp, limit int) ([]SearchMatch, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []SearchMatch
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan() && len(out) < limit; n++ {
		if line := sc.Text(); re.MatchString(line) {
			out = append(out, SearchMatch{File: filepath.ToSlash(path), Line: n, Text: line})
		}
	}
	return out, sc.Err()
}

// =============================================================================
// ARGUMENTS
// =============================================================================

// pathArg returns the "path" argument as a clean path relative to the
// project directory.
func pathArg(call Call) (string, error) {
	p, err := stringArg(call.Args, "path")
	if err != nil {
		return "", err
	}
	return resolve(call.Caller, p)
}

// resolve maps p to a path relative to the caller's project directory. Paths
// leaving the directory, and the state directory itself, are rejected.
func resolve(caller types.CallerContext, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path must not be empty")
	}
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(caller.BaseDir, p)
		if err != nil {
			return "", denied(fmt.Errorf("%w: %s", ErrPathEscapes, p))
		}
		p = rel
	}
	p = filepath.Clean(p)
	if p == ".." || strings.HasPrefix(p, ".."+string(filepath.Separator)) {
		return "", denied(fmt.Errorf("%w: %s", ErrPathEscapes, p))
	}
	if first, _, _ := strings.Cut(filepath.ToSlash(p), "/"); first == config.StateDirName {
		return "", denied(fmt.Errorf("%w: %s is reserved", ErrPathEscapes, config.StateDirName))
	}
	return p, nil
}

func denied(err error) error {
	return classify.WithKind(classify.KindPermission, err)
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidArgType, key)
	}
	return v, nil
}

func optionalString(args map[string]any, key string) (string, error) {
	if _, ok := args[key]; !ok {
		return "", nil
	}
	return stringArg(args, key)
}

// intArg accepts the number types a decoded JSON action can carry.
func intArg(args map[string]any, key string, def int) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidArgType, key)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidArgType, key)
		}
		return int(i), nil
	default:
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidArgType, key)
	}
}

func boolArg(args map[string]any, key string, def bool) (bool, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidArgType, key)
	}
	return b, nil
}
