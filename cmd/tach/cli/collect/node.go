// Package collect models what test discovery produces for a file: a tree of
// collectors (modules, classes) whose leaves are runnable test items.
package collect

// Kind tags a Node as a composite collector or a leaf item.
type Kind int

const (
	// Collector nodes group other nodes (a module, a class).
	Collector Kind = iota
	// Item nodes are single runnable tests.
	Item
)

func (k Kind) String() string {
	if k == Item {
		return "item"
	}
	return "collector"
}

// Node is one entry in a discovery result.
type Node struct {
	Kind     Kind
	Name     string
	NodeID   string
	Children []*Node
}

// NewItem returns a leaf test item.
func NewItem(name, nodeID string) *Node {
	return &Node{Kind: Item, Name: name, NodeID: nodeID}
}

// NewCollector returns a composite node over children.
func NewCollector(name, nodeID string, children ...*Node) *Node {
	return &Node{Kind: Collector, Name: name, NodeID: nodeID, Children: children}
}

// Count returns the number of leaf items at or below n.
func (n *Node) Count() int {
	if n == nil {
		return 0
	}
	if n.Kind == Item {
		return 1
	}
	total := 0
	for _, c := range n.Children {
		total += c.Count()
	}
	return total
}

// CountItems returns the number of leaf items across nodes.
func CountItems(nodes []*Node) int {
	total := 0
	for _, n := range nodes {
		total += n.Count()
	}
	return total
}

// Items returns the leaf items below nodes in discovery order.
func Items(nodes []*Node) []*Node {
	var out []*Node
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.Kind == Item {
			out = append(out, n)
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	return out
}
