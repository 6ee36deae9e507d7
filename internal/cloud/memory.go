package cloud

import (
	"fmt"

	"github.com/pearsync/pearsync/internal/filesystem"
	"github.com/pearsync/pearsync/pkg/fingerprint"
)

// Command records one mutation issued against the Memory client, for
// inspection by tests.
type Command struct {
	Op     string // "rename", "setattr", "putnodes", "debris"
	Handle Handle
	Parent Handle
	Name   string
}

// Memory is an in-memory Client. Mutations land immediately, as if the action
// packet confirming them had already arrived.
type Memory struct {
	root       *Node
	nodes      map[Handle]*Node
	nextHandle Handle

	// Commands holds every mutation issued, in order.
	Commands []Command

	// Transfers holds every transfer handed over; content is not moved.
	Transfers []*Transfer

	// Unauthorized makes rename commands fail with ErrUnauthorized.
	Unauthorized bool
}

// NewMemory returns a Memory client with an empty root folder.
func NewMemory() *Memory {
	m := &Memory{nodes: make(map[Handle]*Node), nextHandle: 1}
	m.root = &Node{Handle: m.takeHandle(), Type: filesystem.TypeDir}
	m.nodes[m.root.Handle] = m.root
	return m
}

// Root returns the remote root folder.
func (m *Memory) Root() *Node {
	return m.root
}

func (m *Memory) takeHandle() Handle {
	h := m.nextHandle
	m.nextHandle++
	return h
}

// AddFolder creates a folder directly in the remote tree (as if another
// client had created it).
func (m *Memory) AddFolder(parent *Node, name string) *Node {
	n := &Node{Handle: m.takeHandle(), Name: name, Type: filesystem.TypeDir, Parent: parent}
	parent.Children = append(parent.Children, n)
	m.nodes[n.Handle] = n
	return n
}

// AddFile creates a file node directly in the remote tree.
func (m *Memory) AddFile(parent *Node, name string, fp fingerprint.Fingerprint) *Node {
	n := &Node{Handle: m.takeHandle(), Name: name, Type: filesystem.TypeFile, Parent: parent, Fingerprint: fp}
	parent.Children = append(parent.Children, n)
	m.nodes[n.Handle] = n
	return n
}

// Remove detaches a node from the remote tree (as if deleted elsewhere).
func (m *Memory) Remove(n *Node) {
	m.detach(n)
	delete(m.nodes, n.Handle)
}

func (m *Memory) detach(n *Node) {
	if n.Parent == nil {
		return
	}
	siblings := n.Parent.Children
	for i, c := range siblings {
		if c == n {
			n.Parent.Children = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	n.Parent = nil
}

func (m *Memory) NodeByHandle(h Handle) *Node {
	return m.nodes[h]
}

func (m *Memory) Rename(n *Node, newParent *Node, newName string) error {
	if m.Unauthorized {
		return ErrUnauthorized
	}
	if newParent == nil || newParent.Type != filesystem.TypeDir {
		return fmt.Errorf("rename target is not a folder")
	}
	m.detach(n)
	n.Parent = newParent
	newParent.Children = append(newParent.Children, n)
	if newName != "" {
		n.Name = newName
	}
	m.Commands = append(m.Commands, Command{Op: "rename", Handle: n.Handle, Parent: newParent.Handle, Name: newName})
	return nil
}

func (m *Memory) SetAttributes(n *Node, attrs map[string]string) error {
	if name, ok := attrs[AttrName]; ok {
		n.Name = name
		m.Commands = append(m.Commands, Command{Op: "setattr", Handle: n.Handle, Name: name})
	}
	return nil
}

func (m *Memory) PutNodes(parent Handle, nodes []NewNode) error {
	p := m.nodes[parent]
	if p == nil {
		return fmt.Errorf("unknown parent handle %d", parent)
	}
	for _, nn := range nodes {
		n := &Node{Handle: m.takeHandle(), Name: nn.Name, Type: nn.Type, Parent: p, Fingerprint: nn.Fingerprint}
		p.Children = append(p.Children, n)
		m.nodes[n.Handle] = n
		m.Commands = append(m.Commands, Command{Op: "putnodes", Handle: n.Handle, Parent: parent, Name: nn.Name})
	}
	return nil
}

func (m *Memory) StartTransfer(t *Transfer) error {
	m.Transfers = append(m.Transfers, t)
	return nil
}

func (m *Memory) MoveToSyncDebris(n *Node, inShare bool) error {
	m.detach(n)
	delete(m.nodes, n.Handle)
	m.Commands = append(m.Commands, Command{Op: "debris", Handle: n.Handle, Name: n.Name})
	return nil
}
