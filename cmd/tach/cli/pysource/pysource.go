// Package pysource parses Python source files with tree-sitter.
package pysource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
)

// ErrInvalidContent is returned for files whose bytes cannot be decoded as
// the source encoding they declare (UTF-8 when they declare none).
var ErrInvalidContent = errors.New("invalid python source")

// codingCookie matches a source encoding declaration such as
// "# -*- coding: latin-1 -*-".
var codingCookie = regexp.MustCompile(`^[ \t\f]*#.*?coding[:=][ \t]*([-\w.]+)`)

// File is a parsed Python file. Call Close when done with it.
type File struct {
	Path    string
	Content []byte
	tree    *sitter.Tree
}

// Parse parses content. Content in a declared non-UTF-8 encoding is decoded
// first, so File.Content is always UTF-8. path is used only in error messages.
func Parse(ctx context.Context, path string, content []byte) (*File, error) {
	content, err := decode(path, content)
	if err != nil {
		return nil, err
	}

	// A parser is not safe for concurrent use, so each parse gets its own.
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &File{Path: path, Content: content, tree: tree}, nil
}

// Encoding returns the encoding named by the coding declaration on the first
// or second line of content, lowercased, or "" when there is none. The
// declaration only counts on the second line when the first is a comment or
// blank.
func Encoding(content []byte) string {
	lines := bytes.SplitN(content, []byte("\n"), 3)
	for i := 0; i < len(lines) && i < 2; i++ {
		if m := codingCookie.FindSubmatch(lines[i]); m != nil {
			return strings.ToLower(string(m[1]))
		}
		trimmed := bytes.TrimSpace(lines[i])
		if len(trimmed) > 0 && trimmed[0] != '#' {
			break
		}
	}
	return ""
}

func decode(path string, content []byte) ([]byte, error) {
	name := Encoding(content)
	if name == "" || isUTF8(name) {
		if !utf8.Valid(content) {
			return nil, fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidContent, path)
		}
		return content, nil
	}

	enc := lookupEncoding(name)
	if enc == nil {
		return nil, fmt.Errorf("%w: %s declares unknown encoding %q", ErrInvalidContent, path, name)
	}
	out, err := enc.NewDecoder().Bytes(content)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s as %s: %w", ErrInvalidContent, path, name, err)
	}
	return out, nil
}

func isUTF8(name string) bool {
	for _, p := range []string{"utf-8", "utf8", "utf_8"} {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// lookupEncoding maps a Python codec name onto an encoding. Python spells
// names loosely ("latin-1", "iso8859_15", "shift_jis"), so a few spellings are
// tried against the IANA registry and then the WHATWG labels.
func lookupEncoding(name string) encoding.Encoding {
	candidates := []string{
		name,
		strings.ReplaceAll(name, "_", "-"),
		strings.NewReplacer("-", "", "_", "").Replace(name),
	}
	for _, c := range candidates {
		if enc, err := ianaindex.IANA.Encoding(c); err == nil && enc != nil {
			return enc
		}
	}
	for _, c := range candidates {
		if enc, err := htmlindex.Get(c); err == nil {
			return enc
		}
	}
	return nil
}

// ParseFile reads and parses the file at path.
func ParseFile(ctx context.Context, path string) (*File, error) {
	content, err := os.ReadFile(path) //nolint:gosec // path comes from project discovery
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(ctx, path, content)
}

// Root returns the module node.
func (f *File) Root() *sitter.Node {
	return f.tree.RootNode()
}

// Text returns the source text spanned by n.
func (f *File) Text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return string(f.Content[n.StartByte():n.EndByte()])
}

// Close releases the syntax tree.
func (f *File) Close() {
	if f.tree != nil {
		f.tree.Close()
		f.tree = nil
	}
}

// Children returns the direct children of n.
func Children(n *sitter.Node) []*sitter.Node {
	if n == nil {
		return nil
	}
	out := make([]*sitter.Node, 0, n.ChildCount())
	for i := 0; i < int(n.ChildCount()); i++ {
		out = append(out, n.Child(i))
	}
	return out
}

// NamedChildren returns the named children of n, skipping punctuation and keywords.
func NamedChildren(n *sitter.Node) []*sitter.Node {
	if n == nil {
		return nil
	}
	out := make([]*sitter.Node, 0, n.NamedChildCount())
	for i := 0; i < int(n.NamedChildCount()); i++ {
		out = append(out, n.NamedChild(i))
	}
	return out
}
