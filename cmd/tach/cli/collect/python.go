package collect

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/tach-org/tach/cmd/tach/cli/logging"
	"github.com/tach-org/tach/cmd/tach/cli/paths"
	"github.com/tach-org/tach/cmd/tach/cli/pysource"
	"github.com/tach-org/tach/cmd/tach/cli/testrun"
)

const (
	testFunctionPrefix = "test"
	testClassPrefix    = "Test"
)

// PythonCollector discovers pytest-style tests by parsing the file.
//
// Top-level test* functions become items. Test* classes without an __init__
// (and unittest.TestCase subclasses) become collectors of their test* methods.
// A literal parametrize list expands to one item per case; stacked
// parametrize decorators multiply.
type PythonCollector struct {
	Root string
}

// Collect implements CollectFunc. A file that cannot be read or parsed is
// collected as a single item standing for the whole module, so it still runs
// and pytest reports the problem.
func (c PythonCollector) Collect(ctx context.Context, path string) ([]*Node, error) {
	rel := filepath.ToSlash(paths.ToRelativePath(path, c.Root))
	module := NewCollector(filepath.Base(path), rel)

	f, err := pysource.ParseFile(ctx, path)
	if err != nil {
		logging.Warn(ctx, "collecting test file as a whole", "path", rel, "error", err.Error())
		module.Children = []*Node{NewItem(filepath.Base(path), rel)}
		return []*Node{module}, nil
	}
	defer f.Close()

	module.Children = collectBody(f, f.Root(), rel, nil)
	return []*Node{module}, nil
}

// collectBody collects the test definitions directly inside a module or class
// body. inherited holds the case counts of parametrize decorators on
// enclosing classes.
func collectBody(f *pysource.File, body *sitter.Node, parentID string, inherited []int) []*Node {
	var out []*Node
	for _, stmt := range pysource.NamedChildren(body) {
		def, decorators := unwrapDecorated(stmt)
		if def == nil {
			continue
		}
		name := f.Text(def.ChildByFieldName("name"))
		cases := append(append([]int(nil), inherited...), parametrizeCases(f, decorators)...)

		switch def.Type() {
		case "function_definition":
			if !strings.HasPrefix(name, testFunctionPrefix) {
				continue
			}
			out = append(out, functionItems(name, parentID, cases)...)
		case "class_definition":
			if !isTestClass(f, def, name) {
				continue
			}
			id := parentID + testrun.NodeIDSeparator + name
			cls := NewCollector(name, id)
			cls.Children = collectBody(f, def.ChildByFieldName("body"), id, cases)
			out = append(out, cls)
		}
	}
	return out
}

// unwrapDecorated returns the definition a statement declares, along with its
// decorators. Non-definitions return nil.
func unwrapDecorated(stmt *sitter.Node) (*sitter.Node, []*sitter.Node) {
	switch stmt.Type() {
	case "function_definition", "class_definition":
		return stmt, nil
	case "decorated_definition":
		var decorators []*sitter.Node
		for _, child := range pysource.NamedChildren(stmt) {
			if child.Type() == "decorator" {
				decorators = append(decorators, child)
			}
		}
		return stmt.ChildByFieldName("definition"), decorators
	default:
		return nil, nil
	}
}

func isTestClass(f *pysource.File, def *sitter.Node, name string) bool {
	if inheritsTestCase(f, def) {
		return true
	}
	if !strings.HasPrefix(name, testClassPrefix) {
		return false
	}
	// pytest refuses to collect classes with a constructor.
	for _, stmt := range pysource.NamedChildren(def.ChildByFieldName("body")) {
		fn, _ := unwrapDecorated(stmt)
		if fn != nil && fn.Type() == "function_definition" && f.Text(fn.ChildByFieldName("name")) == "__init__" {
			return false
		}
	}
	return true
}

func inheritsTestCase(f *pysource.File, def *sitter.Node) bool {
	for _, base := range pysource.NamedChildren(def.ChildByFieldName("superclasses")) {
		text := f.Text(base)
		if text == "TestCase" || strings.HasSuffix(text, ".TestCase") {
			return true
		}
	}
	return false
}

// parametrizeCases returns, for each parametrize decorator, the number of
// cases it generates. A non-literal argument list counts as one case.
func parametrizeCases(f *pysource.File, decorators []*sitter.Node) []int {
	var out []int
	for _, d := range decorators {
		var call *sitter.Node
		for _, child := range pysource.NamedChildren(d) {
			if child.Type() == "call" {
				call = child
			}
		}
		if call == nil {
			continue
		}
		fn := f.Text(call.ChildByFieldName("function"))
		if fn != "parametrize" && !strings.HasSuffix(fn, ".parametrize") {
			continue
		}
		out = append(out, argvaluesCount(f, call.ChildByFieldName("arguments")))
	}
	return out
}

func argvaluesCount(f *pysource.File, args *sitter.Node) int {
	var values *sitter.Node
	positional := 0
	for _, arg := range pysource.NamedChildren(args) {
		switch arg.Type() {
		case "comment":
			continue
		case "keyword_argument":
			if f.Text(arg.ChildByFieldName("name")) == "argvalues" {
				values = arg.ChildByFieldName("value")
			}
			continue
		}
		if positional == 1 {
			values = arg
		}
		positional++
	}
	if values == nil {
		return 1
	}
	switch values.Type() {
	case "list", "tuple":
		n := 0
		for _, v := range pysource.NamedChildren(values) {
			if v.Type() != "comment" {
				n++
			}
		}
		if n == 0 {
			// pytest still emits one (skipped) item for an empty list.
			return 1
		}
		return n
	default:
		return 1
	}
}

// functionItems expands a test function into one item per parametrize case.
// Ids index each decorator's cases, e.g. test_add[0-1].
func functionItems(name, parentID string, cases []int) []*Node {
	base := parentID + testrun.NodeIDSeparator + name
	if len(cases) == 0 {
		return []*Node{NewItem(name, base)}
	}

	combos := [][]string{nil}
	for _, n := range cases {
		next := make([][]string, 0, len(combos)*n)
		for _, prefix := range combos {
			for i := range n {
				combo := append(append([]string(nil), prefix...), strconv.Itoa(i))
				next = append(next, combo)
			}
		}
		combos = next
	}

	items := make([]*Node, 0, len(combos))
	for _, combo := range combos {
		suffix := "[" + strings.Join(combo, "-") + "]"
		items = append(items, NewItem(name+suffix, base+suffix))
	}
	return items
}
