package expansion

// Mode is the traversal strategy carried down through every nested engine.
type Mode int

const (
	// ModeVisitor loads a relationship only when it is explicitly expanded and drops
	// entities that would loop back onto the path.
	ModeVisitor Mode = iota
	// ModeReview expands and loads every relationship of the root on mount and keeps
	// self references, for exhaustive audits.
	ModeReview
)

func (m Mode) String() string {
	if m == ModeReview {
		return "review"
	}
	return "visitor"
}

// ModeFor returns ModeReview when review is set.
func ModeFor(review bool) Mode {
	if review {
		return ModeReview
	}
	return ModeVisitor
}

// Policy decides how one engine behaves given its mode and nesting depth.
type Policy struct {
	Mode  Mode
	Depth int
	// MaxDepth hides expansion from Depth >= MaxDepth; zero means unbounded.
	MaxDepth int
	// ReviewRoot marks an engine below the root whose subtree was explicitly
	// requested in review mode.
	ReviewRoot bool
}

// Eager reports whether every relationship is expanded and loaded on mount. Review mode
// only applies at the root, or at the root of an explicitly requested review subtree.
func (p Policy) Eager() bool {
	return p.Mode == ModeReview && (p.Depth == 0 || p.ReviewRoot)
}

// FilterCycles is disabled exactly where eager loading is enabled.
func (p Policy) FilterCycles() bool {
	return !p.Eager()
}

// CanExpand reports whether expansion controls are available at this depth.
func (p Policy) CanExpand() bool {
	return p.MaxDepth <= 0 || p.Depth < p.MaxDepth
}

// Child is the policy of an engine nested one level below p. It keeps the mode flag, so
// a re-requested review subtree still knows it is part of a review, but is lazy.
func (p Policy) Child() Policy {
	return Policy{
		Mode:     p.Mode,
		Depth:    p.Depth + 1,
		MaxDepth: p.MaxDepth,
	}
}

// AsReviewRoot returns p turned into the root of a review subtree.
func (p Policy) AsReviewRoot() Policy {
	p.Mode = ModeReview
	p.ReviewRoot = true
	return p
}
