package core

import "sfmgraph/pkg/domain"

type (
	Node             = domain.Node
	Relationship     = domain.Relationship
	NodeType         = domain.NodeType
	RelationshipKind = domain.RelationshipKind
	Snapshot         = domain.Snapshot
	Violation        = domain.Violation
	Severity         = domain.Severity
	Rule             = domain.Rule
	GraphStore       = domain.GraphStore
	SnapshotStore    = domain.SnapshotStore
)

const (
	NodeActor       = domain.NodeActor
	NodeInstitution = domain.NodeInstitution
	NodePolicy      = domain.NodePolicy
	NodeResource    = domain.NodeResource
	NodeProcess     = domain.NodeProcess
	NodeFlow        = domain.NodeFlow
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)
