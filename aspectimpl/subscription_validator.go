package aspectimpl

import (
	"context"

	"github.com/bittoy/i3x/types"
)

// SubscriptionValidator rejects malformed subscription operations before
// they reach the engine, adapted from the teacher's ChainValidator
// (builtin/aspect/chain_validator_aspect.go) — there it validates a rule
// chain graph at init; here it validates one subscription operation's
// arguments before the operation runs.
type SubscriptionValidator struct {
	logger types.Logger
}

// NewSubscriptionValidator builds a validator that logs rejected operations
// through logger (types.DefaultLogger() if nil).
func NewSubscriptionValidator(logger types.Logger) *SubscriptionValidator {
	if logger == nil {
		logger = types.DefaultLogger()
	}
	return &SubscriptionValidator{logger: logger}
}

func (v *SubscriptionValidator) Order() int { return 10 }

func (v *SubscriptionValidator) New() types.Aspect { return &SubscriptionValidator{logger: v.logger} }

// PointCut runs this aspect's Before/After on "register" and "unregister"
// only; "create", "sync", and "delete" validate their own single QoS/id
// argument inline and don't need the args-map shape this aspect checks.
func (v *SubscriptionValidator) PointCut(operation string) bool {
	return operation == "register" || operation == "unregister"
}

// Before validates that args carries a non-empty "elementIds" slice and a
// non-negative "maxDepth", atomically — before any monitoredItems mutation
// happens, matching the "no partial registration" requirement of design
// §4.6 op 2.
func (v *SubscriptionValidator) Before(ctx context.Context, operation string, args map[string]any) error {
	ids, ok := args["elementIds"].([]string)
	if !ok || len(ids) == 0 {
		return types.NewError(types.KindValidation, "elementIds must be a non-empty list")
	}
	depth, ok := args["maxDepth"].(int)
	if !ok || depth < 0 {
		return types.NewError(types.KindValidation, "maxDepth must be a non-negative integer")
	}
	return nil
}

func (v *SubscriptionValidator) After(ctx context.Context, operation string, args map[string]any, err error) {
	if err != nil {
		v.logger.Printf("subscription: %s rejected: %v", operation, err)
	}
}

var _ types.SubscriptionAspect = (*SubscriptionValidator)(nil)
