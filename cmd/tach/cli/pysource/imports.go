package pysource

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Import is one import statement.
//
//	import a.b          -> {Module: "a.b"}
//	from a.b import c   -> {Module: "a.b", Names: ["c"]}
//	from ..x import y   -> {Module: "x", Names: ["y"], Level: 2}
type Import struct {
	Module string
	Names  []string
	// Level is the number of leading dots of a relative import.
	Level int
	Line  int
}

// Imports returns every import statement in the file, including those nested
// in functions, classes and conditional blocks.
func (f *File) Imports() []Import {
	var out []Import
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		switch n.Type() {
		case "import_statement":
			out = append(out, f.importStatement(n)...)
			return
		case "import_from_statement":
			if imp, ok := f.importFromStatement(n); ok {
				out = append(out, imp)
			}
			return
		}
		for _, c := range NamedChildren(n) {
			walk(c)
		}
	}
	walk(f.Root())
	return out
}

// importStatement handles "import foo" and "import foo as bar".
func (f *File) importStatement(n *sitter.Node) []Import {
	line := int(n.StartPoint().Row) + 1
	var out []Import
	for _, child := range Children(n) {
		switch child.Type() {
		case "dotted_name":
			out = append(out, Import{Module: f.Text(child), Line: line})
		case "aliased_import":
			if name := child.ChildByFieldName("name"); name != nil {
				out = append(out, Import{Module: f.Text(name), Line: line})
			}
		}
	}
	return out
}

// importFromStatement handles "from x import y" including relative forms.
func (f *File) importFromStatement(n *sitter.Node) (Import, bool) {
	imp := Import{Line: int(n.StartPoint().Row) + 1}
	sawModule := false
	sawImport := false

	for _, child := range Children(n) {
		switch child.Type() {
		case "import":
			sawImport = true
		case "relative_import":
			sawModule = true
			for _, part := range Children(child) {
				switch part.Type() {
				case "import_prefix":
					imp.Level = strings.Count(f.Text(part), ".")
				case "dotted_name":
					imp.Module = f.Text(part)
				}
			}
		case "dotted_name":
			if !sawImport {
				sawModule = true
				imp.Module = f.Text(child)
			} else {
				imp.Names = append(imp.Names, f.Text(child))
			}
		case "aliased_import":
			if name := child.ChildByFieldName("name"); name != nil {
				imp.Names = append(imp.Names, f.Text(name))
			}
		case "wildcard_import":
			imp.Names = append(imp.Names, "*")
		}
	}
	return imp, sawModule
}
