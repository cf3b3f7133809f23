package domain

// ClassPolicy declares how objects of one class may branch over time.
type ClassPolicy struct {
	Name        string `json:"name" yaml:"name"`
	ParentClass int    `json:"parent_class" yaml:"parent_class"`
	AllowSplit  bool   `json:"allow_split" yaml:"allow_split"`
	AllowMerge  bool   `json:"allow_merge" yaml:"allow_merge"`
}

// PolicySet holds the per-class policies of a dataset. It is passed explicitly
// to every operation; there is no process-wide policy state.
type PolicySet struct {
	Classes map[int]ClassPolicy `json:"classes" yaml:"classes"`
}

// NewPolicySet builds a policy set keyed by class index.
func NewPolicySet(classes map[int]ClassPolicy) PolicySet {
	cp := make(map[int]ClassPolicy, len(classes))
	for k, v := range classes {
		cp[k] = v
	}
	return PolicySet{Classes: cp}
}

// Policy returns the policy of a class. Unknown classes forbid branching and
// hang directly under the root.
func (p PolicySet) Policy(class int) (ClassPolicy, bool) {
	c, ok := p.Classes[class]
	if !ok {
		return ClassPolicy{ParentClass: RootClass}, false
	}
	return c, true
}

// AllowSplit reports whether a 1→N transition is legal for the class.
func (p PolicySet) AllowSplit(class int) bool {
	c, _ := p.Policy(class)
	return c.AllowSplit
}

// AllowMerge reports whether a N→1 transition is legal for the class.
func (p PolicySet) AllowMerge(class int) bool {
	c, _ := p.Policy(class)
	return c.AllowMerge
}

// ParentClass returns the containing class of a class.
func (p PolicySet) ParentClass(class int) int {
	if class == RootClass {
		return RootClass
	}
	c, _ := p.Policy(class)
	return c.ParentClass
}

// MergePolicy decides whether track fragments left around a removed or
// unlinked object are joined back together.
type MergePolicy int

const (
	// MergeAlways bridges gaps and collapses single-member branches.
	MergeAlways MergePolicy = iota
	// MergeNever leaves fragments as independent tracks.
	MergeNever
	// MergeIfSimple bridges only when neither survivor takes part in a branch.
	MergeIfSimple
)

func (m MergePolicy) String() string {
	switch m {
	case MergeAlways:
		return "always"
	case MergeNever:
		return "never"
	case MergeIfSimple:
		return "if_simple"
	default:
		return "unknown"
	}
}

// ParseMergePolicy maps a textual policy to its value.
func ParseMergePolicy(s string) (MergePolicy, bool) {
	switch s {
	case "", "always", "bridge":
		return MergeAlways, true
	case "never":
		return MergeNever, true
	case "if_simple", "simple":
		return MergeIfSimple, true
	default:
		return MergeAlways, false
	}
}
