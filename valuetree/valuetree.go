// Package valuetree implements the recursive value-retrieval algorithm
// (design §4.5) shared by every concrete data source: projecting a single
// instance's records, and, when the instance is a composition with
// HasComponent children, assembling a nested map keyed by child elementId.
// The mock and cncmock data sources each own their own instance index and
// record store but delegate the actual recursion to this package so the
// semantics — _value placement, empty-child mapping, depth countdown,
// visited-set cycle protection — live in exactly one place. mqttsource has no
// composition edges and projects its topic cache itself without this package.
package valuetree

import (
	"time"

	"github.com/bittoy/i3x/store"
	"github.com/bittoy/i3x/types"
)

// Instances is the read-only structural index a data source hands to
// Compute: elementId -> instance (without records; records live in the
// accompanying Store).
type Instances map[string]types.ObjectInstance

// Compute runs the recursive value-retrieval algorithm rooted at elementId.
// start/end may be zero to mean unbounded; maxDepth follows the
// 0=unbounded,1=self-only,N=N-1-further-levels convention (design §4.5).
func Compute(instances Instances, records *store.Store, elementId string, start, end time.Time, maxDepth int, returnHistory bool) (any, error) {
	root, ok := instances[elementId]
	if !ok {
		return nil, types.NewError(types.KindNotFound, "no such instance: "+elementId)
	}
	visited := map[string]bool{}
	return computeNode(instances, records, root, start, end, maxDepth, returnHistory, visited)
}

func computeNode(instances Instances, records *store.Store, inst types.ObjectInstance, start, end time.Time, depth int, returnHistory bool, visited map[string]bool) (any, error) {
	if visited[inst.ElementId] {
		// Composition is expected acyclic (invariant 3); guard anyway rather
		// than raising Internal here — a dangling HasComponent loop is a data
		// quality issue in the source, not a server-fatal condition.
		return nil, nil
	}
	visited[inst.ElementId] = true

	own := project(records, inst.ElementId, start, end, returnHistory)

	if depth == 1 {
		return own, nil
	}
	children := inst.Relationships[types.RelHasComponent].Ids
	if len(children) == 0 {
		return own, nil
	}

	nextDepth := depth
	if depth > 1 {
		nextDepth = depth - 1
	}

	result := map[string]any{}
	if own != nil {
		result["_value"] = own
	}
	for _, childId := range children {
		childInst, ok := instances[childId]
		if !ok {
			// Dangling composition edge: invariant 2 violated by the source.
			continue
		}
		childVal, err := computeNode(instances, records, childInst, start, end, nextDepth, returnHistory, visited)
		if err != nil {
			return nil, err
		}
		if childVal == nil {
			childVal = map[string]any{}
		}
		result[childId] = childVal
	}
	return result, nil
}

// project returns this instance's own record projection: a single
// {value,quality,timestamp} map for the head-only case, or an ordered slice
// of such maps when a time range or full history was requested. nil means no
// records at all.
func project(records *store.Store, elementId string, start, end time.Time, returnHistory bool) any {
	wantsList := returnHistory || !start.IsZero() || !end.IsZero()
	recs := records.Range(elementId, start, end, returnHistory)
	if len(recs) == 0 {
		return nil
	}
	if !wantsList {
		return recordMap(recs[0])
	}
	out := make([]map[string]any, len(recs))
	for i, r := range recs {
		out[i] = recordMap(r)
	}
	return out
}

func recordMap(r types.Record) map[string]any {
	return map[string]any{
		"value":     r.Value,
		"quality":   string(r.Quality),
		"timestamp": r.Timestamp.UTC().Format(time.RFC3339),
	}
}

// InstanceTree collects elementId plus, when root is a composition and depth
// allows, its HasComponent descendants (design §4.5 "instance-tree
// expansion", used by the subscription engine's register/unregister). The
// same 0=unbounded,1=self-only,N=N-1 convention applies.
func InstanceTree(instances Instances, rootId string, maxDepth int) []string {
	root, ok := instances[rootId]
	if !ok {
		return nil
	}
	visited := map[string]bool{}
	var out []string
	collectTree(instances, root, maxDepth, visited, &out)
	return out
}

func collectTree(instances Instances, inst types.ObjectInstance, depth int, visited map[string]bool, out *[]string) {
	if visited[inst.ElementId] {
		return
	}
	visited[inst.ElementId] = true
	*out = append(*out, inst.ElementId)

	if depth == 1 || !inst.IsComposition {
		return
	}
	nextDepth := depth
	if depth > 1 {
		nextDepth = depth - 1
	}
	for _, childId := range inst.Relationships[types.RelHasComponent].Ids {
		childInst, ok := instances[childId]
		if !ok {
			continue
		}
		collectTree(instances, childInst, nextDepth, visited, out)
	}
}
