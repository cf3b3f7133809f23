package core

import "trackcore/pkg/domain"

type (
	ObjectID           = domain.ObjectID
	ObjectRef          = domain.ObjectRef
	TrackedObject      = domain.TrackedObject
	PolicySet          = domain.PolicySet
	MergePolicy        = domain.MergePolicy
	Change             = domain.Change
	Violation          = domain.Violation
	Result             = domain.Result
	RuleViolationError = domain.RuleViolationError
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	MergeAlways   = domain.MergeAlways
	MergeNever    = domain.MergeNever
	MergeIfSimple = domain.MergeIfSimple
)
