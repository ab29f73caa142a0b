// Package types defines the core data model and interfaces shared across the I3X
// server: namespaces, object types, relationship types, object instances, records,
// the data-source contract, configuration, and the AOP-style aspect hooks.
//
// Architecture overview:
//
//   - Every industrial object is an ObjectInstance addressed by a globally unique
//     elementId. Its structural shape is declared once by an ObjectType.
//   - Objects are connected by typed, directed RelationshipTypes; composition
//     (HasComponent/ComponentOf) is the one relation kind the query engine treats
//     specially when assembling recursive values.
//   - A DataSource is the uniform capability a concrete backend (mock, CNC
//     simulator, MQTT) must expose; the multi-source manager and the graph/
//     subscription engines only ever talk to this interface, never a concrete type.
package types

import (
	"context"
	"time"
)

// RootElementId is the sentinel parentId for top-level instances.
const RootElementId = "/"

// Canonical relationship-type names. Composition edges are the only ones the
// query engine (graph package) treats specially; hierarchy edges are synthesized
// by the MQTT adapter from topic path prefixes. All other edges are domain-defined
// and opaque to the core.
const (
	RelHasComponent = "HasComponent"
	RelComponentOf  = "ComponentOf"
	RelHasChildren  = "HasChildren"
	RelHasParent    = "HasParent"
)

// Quality tags a Record's trustworthiness.
type Quality string

const (
	QualityGood       Quality = "GOOD"
	QualityBad        Quality = "BAD"
	QualityGoodNoData Quality = "GoodNoData"
)

// Namespace is a globally unique URI plus a human-readable name.
type Namespace struct {
	URI         string `json:"uri"`
	DisplayName string `json:"displayName"`
}

// ObjectType is the immutable structural template for the record values of
// instances of this type. Schema is a JSON-Schema-like structural description;
// see the schema helpers in schema.go for how it is built and checked.
type ObjectType struct {
	ElementId    string         `json:"elementId"`
	DisplayName  string         `json:"displayName"`
	NamespaceUri string         `json:"namespaceUri"`
	Schema       map[string]any `json:"schema"`
}

// RelationshipType is a named directed edge kind with a declared inverse.
// ReverseOf must resolve to another RelationshipType whose own ReverseOf points
// back to this one. Each data source declares both halves of a pair in its own
// relationship-type table; multisource.Manager passes them through unchanged
// and does not check the pairing.
type RelationshipType struct {
	ElementId    string `json:"elementId"`
	DisplayName  string `json:"displayName"`
	NamespaceUri string `json:"namespaceUri"`
	ReverseOf    string `json:"reverseOf"`
}

// ObjectInstance is a node in the industrial graph. Relationships maps a
// relationship-type name (matched case-insensitively by the data source) to
// either a single elementId or an ordered list of elementIds; RelationList
// below captures either shape.
type ObjectInstance struct {
	ElementId     string                  `json:"elementId"`
	DisplayName   string                  `json:"displayName"`
	NamespaceUri  string                  `json:"namespaceUri"`
	TypeId        string                  `json:"typeId"`
	ParentId      string                  `json:"parentId"`
	IsComposition bool                    `json:"isComposition"`
	Relationships map[string]RelationList `json:"relationships,omitempty"`
	Records       []Record                `json:"records,omitempty"`
	Metadata      map[string]any          `json:"metadata,omitempty"`
}

// RelationList is either a single elementId or an ordered list of them. It is
// always stored and iterated as a slice internally; Single reports whether the
// original configuration used the singular (non-list) wire shape, purely for
// round-tripping display — all traversal treats it as an ordered set of one.
type RelationList struct {
	Ids    []string
	Single bool
}

// NewRelationSingle builds a RelationList holding exactly one target id.
func NewRelationSingle(id string) RelationList {
	return RelationList{Ids: []string{id}, Single: true}
}

// NewRelationList builds a RelationList holding an ordered set of target ids.
func NewRelationList(ids ...string) RelationList {
	return RelationList{Ids: ids}
}

// Record is one timestamped, quality-tagged value observation. Records are
// kept newest-first by the store; Value must structurally conform to the
// owning instance's ObjectType.Schema.
type Record struct {
	Value     any       `json:"value"`
	Quality   Quality   `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
}

// WriteResult is the per-element envelope returned by updateValue, so that a
// batch write never aborts siblings on one element's failure.
type WriteResult struct {
	ElementId string `json:"elementId"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
}

// UpdateFunc is the callback a DataSource invokes when it observes a new
// record for an instance, either from a background updater (mock, CNC) or
// from an external feed (MQTT). Callers must never let a panic inside this
// callback escape to the data source's own goroutine; see
// subscription.Engine.Dispatch for the recover-and-log boundary.
type UpdateFunc func(instance ObjectInstance, record Record)

// DataSource is the uniform capability set every concrete backend exposes
// (C2 in the design). All operations accept a context so they can be
// cancelled/timed out uniformly by the multi-source manager.
type DataSource interface {
	// Start initializes the source. After it returns, updates may arrive
	// asynchronously via onUpdate. Calling Start twice is a no-op.
	Start(ctx context.Context, onUpdate UpdateFunc) error
	// Stop quiesces updates and releases resources. No onUpdate call is made
	// after Stop returns.
	Stop(ctx context.Context) error

	ListNamespaces(ctx context.Context) ([]Namespace, error)
	ListObjectTypes(ctx context.Context, namespaceUri string) ([]ObjectType, error)
	GetObjectType(ctx context.Context, elementId string) (ObjectType, error)
	ListRelationshipTypes(ctx context.Context, namespaceUri string) ([]RelationshipType, error)
	GetRelationshipType(ctx context.Context, elementId string) (RelationshipType, error)

	ListInstances(ctx context.Context, typeId string) ([]ObjectInstance, error)
	GetInstance(ctx context.Context, elementId string, withRecords bool) (ObjectInstance, error)
	GetRelatedInstances(ctx context.Context, elementId string, relationshipType string) ([]ObjectInstance, error)

	// GetValues returns the recursive value projection described in design §4.5.
	// start/end may be zero time.Time to mean "unbounded"; maxDepth follows the
	// 0=unbounded,1=self-only,N=N-1-further-levels convention.
	GetValues(ctx context.Context, elementId string, start, end time.Time, maxDepth int, returnHistory bool) (any, error)

	UpdateValue(ctx context.Context, elementId string, newValue any) (WriteResult, error)

	// ListAllInstances is used by the subscription engine to expand monitored
	// trees without per-root network round trips.
	ListAllInstances(ctx context.Context) ([]ObjectInstance, error)
}
