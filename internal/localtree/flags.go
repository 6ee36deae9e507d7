package localtree

// TreeFlag is the tri-state (four-valued) flag used to steer tree walks. The
// ordering is meaningful: higher values demand more work.
type TreeFlag uint8

const (
	// Resolved means nothing to do here or below.
	Resolved TreeFlag = iota

	// DescendantFlagged means some descendant needs attention.
	DescendantFlagged

	// ActionHere means this node needs attention (children may too).
	ActionHere

	// ActionSubtree overrides children so the whole subtree is processed.
	ActionSubtree
)

func (f TreeFlag) String() string {
	switch f {
	case Resolved:
		return "resolved"
	case DescendantFlagged:
		return "descendant"
	case ActionHere:
		return "here"
	default:
		return "subtree"
	}
}

// UpdateFromChild folds a child's flag into its parent's: a parent that
// believed itself resolved learns that a descendant is flagged.
func UpdateFromChild(parent, child TreeFlag) TreeFlag {
	if parent == Resolved && child != Resolved {
		return DescendantFlagged
	}
	return parent
}

// PropagateSubtree pushes a parent's subtree-wide demand down onto a child.
func PropagateSubtree(parent, child TreeFlag) TreeFlag {
	if parent == ActionSubtree {
		return ActionSubtree
	}
	return child
}

// FlagKind names one of the per-node tri-state flags.
type FlagKind int

const (
	FlagScanAgain FlagKind = iota
	FlagSyncAgain
	FlagConflicts
	FlagUseBlocked
	FlagScanBlocked
)

func (k FlagKind) String() string {
	switch k {
	case FlagScanAgain:
		return "scanAgain"
	case FlagSyncAgain:
		return "syncAgain"
	case FlagConflicts:
		return "conflicts"
	case FlagUseBlocked:
		return "useBlocked"
	default:
		return "scanBlocked"
	}
}
