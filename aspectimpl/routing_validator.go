package aspectimpl

import (
	"fmt"

	"github.com/bittoy/i3x/types"
)

// RoutingValidator checks a multi-source routing table at construction
// time: every operation name must be one this server actually routes, and
// every source name referenced (including "primary") must be one of the
// declared sources. Adapted from the teacher's ChainAggregationValidator
// (builtin/aspect/chain_aggregation_validator_aspect.go), which performs
// the analogous check across an aggregated set of sub-chains before they're
// wired together.
type RoutingValidator struct {
	knownOperations map[string]bool
}

// KnownOperations are the operation names multisource.Manager routes
// (mirrors the method names on types.DataSource's read/write surface).
var KnownOperations = []string{
	"getObjectType", "getRelationshipType", "getInstance",
	"getRelatedInstances", "getValues", "updateValue",
}

// NewRoutingValidator builds a validator over the default KnownOperations.
func NewRoutingValidator() *RoutingValidator {
	known := make(map[string]bool, len(KnownOperations))
	for _, op := range KnownOperations {
		known[op] = true
	}
	return &RoutingValidator{knownOperations: known}
}

func (v *RoutingValidator) Order() int { return 0 }

func (v *RoutingValidator) New() types.Aspect { return v }

// ValidateRouting checks routing against sourceNames; primary (if set) must
// also name a declared source.
func (v *RoutingValidator) ValidateRouting(sourceNames []string, routing map[string]string, primary string) error {
	known := make(map[string]bool, len(sourceNames))
	for _, name := range sourceNames {
		known[name] = true
	}
	if primary != "" && !known[primary] {
		return types.NewError(types.KindValidation, fmt.Sprintf("routing primary %q is not a declared source", primary))
	}
	for operation, sourceName := range routing {
		if operation != "primary" && !v.knownOperations[operation] {
			return types.NewError(types.KindValidation, fmt.Sprintf("routing references unknown operation %q", operation))
		}
		if !known[sourceName] {
			return types.NewError(types.KindValidation, fmt.Sprintf("routing operation %q references unknown source %q", operation, sourceName))
		}
	}
	return nil
}

var _ types.RoutingAspect = (*RoutingValidator)(nil)
