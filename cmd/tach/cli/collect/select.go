package collect

import (
	"context"
	"strings"

	"github.com/tach-org/tach/cmd/tach/cli/testrun"
)

// SelectNodeIDs narrows each file's result to the items named by selectors,
// keyed by absolute path. A selector names an item, a class (all items below
// it) or a parametrized function (all its cases). Files without selectors,
// and files whose selectors match nothing, pass through unchanged so the
// runner reports unknown ids itself.
func SelectNodeIDs(selectors map[string][]string) Middleware {
	return func(next CollectFunc) CollectFunc {
		if len(selectors) == 0 {
			return next
		}
		return func(ctx context.Context, path string) ([]*Node, error) {
			result, err := next(ctx, path)
			ids := selectors[path]
			if err != nil || len(ids) == 0 {
				return result, err
			}
			narrowed := Filter(result, func(item *Node) bool {
				for _, id := range ids {
					if Selects(id, item.NodeID) {
						return true
					}
				}
				return false
			})
			if len(narrowed) == 0 {
				return result, nil
			}
			return narrowed, nil
		}
	}
}

// Selects reports whether selector picks the item with nodeID.
func Selects(selector, nodeID string) bool {
	if nodeID == selector {
		return true
	}
	rest, ok := strings.CutPrefix(nodeID, selector)
	return ok && (strings.HasPrefix(rest, testrun.NodeIDSeparator) || strings.HasPrefix(rest, "["))
}

// Filter returns a copy of nodes keeping the items keep accepts. Collectors
// left without items are dropped.
func Filter(nodes []*Node, keep func(item *Node) bool) []*Node {
	var out []*Node
	for _, n := range nodes {
		if n.Kind == Item {
			if keep(n) {
				out = append(out, n)
			}
			continue
		}
		children := Filter(n.Children, keep)
		if len(children) == 0 {
			continue
		}
		c := *n
		c.Children = children
		out = append(out, &c)
	}
	return out
}
