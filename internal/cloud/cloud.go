// Package cloud defines the engine's contract with the cloud transport
// client. The engine issues commands and observes completion indirectly:
// action packets mutate the node graph, and changed parents or names show up
// on the next reconciliation pass.
package cloud

import (
	"errors"

	"github.com/pearsync/pearsync/internal/filesystem"
	"github.com/pearsync/pearsync/pkg/fingerprint"
	"github.com/pearsync/pearsync/pkg/syncpath"
)

// Handle is a stable server-assigned identifier for a remote node.
type Handle uint64

// UndefHandle marks an unknown or unassigned handle.
const UndefHandle Handle = 0

// Node is one entry in the remote tree. The client owns the graph; the engine
// reads it and never mutates it directly.
type Node struct {
	Handle      Handle
	Name        string
	Type        filesystem.NodeType
	Parent      *Node
	Children    []*Node
	Fingerprint fingerprint.Fingerprint

	// PendingCommands is set while commands for this node are in flight;
	// moves involving such nodes are deferred.
	PendingCommands bool
}

// ChildByName returns the child carrying the exact (case-sensitive) name.
func (n *Node) ChildByName(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// NewNode describes a node to be created remotely.
type NewNode struct {
	Name        string
	Type        filesystem.NodeType
	Fingerprint fingerprint.Fingerprint
}

// Direction selects which way a transfer moves content.
type Direction int

const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	if d == Upload {
		return "up"
	}
	return "down"
}

// Transfer is a content transfer handed to the transfer subsystem. The engine
// never blocks on it.
type Transfer struct {
	Direction    Direction
	LocalPath    syncpath.Path
	ParentHandle Handle // upload target folder
	Name         string
	SourceHandle Handle // download source node
	Fingerprint  fingerprint.Fingerprint
}

// AttrName is the attribute key carrying a node's display name.
const AttrName = "n"

// ErrUnauthorized is returned when the session may not modify a node.
var ErrUnauthorized = errors.New("cloud: unauthorized")

// Client is the cloud transport contract.
type Client interface {
	// NodeByHandle resolves a handle, or returns nil if unknown.
	NodeByHandle(h Handle) *Node

	// Rename moves a node under a new parent, optionally changing its name
	// (newName == "" keeps the current name).
	Rename(n *Node, newParent *Node, newName string) error

	// SetAttributes updates node attributes; used for rename-in-place via
	// the AttrName attribute.
	SetAttributes(n *Node, attrs map[string]string) error

	// PutNodes creates new nodes under a parent folder.
	PutNodes(parent Handle, nodes []NewNode) error

	// StartTransfer hands a content transfer to the transfer subsystem.
	StartTransfer(t *Transfer) error

	// MoveToSyncDebris moves a node into the server-side sync trash.
	MoveToSyncDebris(n *Node, inShare bool) error
}
