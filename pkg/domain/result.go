package domain

// Severity indicates how a rule violation affects a batch.
type Severity string

const (
	SeverityBlock Severity = "block"
	SeverityWarn  Severity = "warn"
	SeverityLog   Severity = "log"
)

// Violation captures a rule outcome.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	ObjectID ObjectID
}

// Result aggregates violations and the objects a batch touched.
type Result struct {
	Violations []Violation
	Modified   []ObjectID
	Removed    []ObjectID
	Created    []ObjectID
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "edit batch blocked by rules"
}
