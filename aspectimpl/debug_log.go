package aspectimpl

import (
	"context"

	"github.com/bittoy/i3x/types"
)

// DebugLog logs every observed data-source update when Enabled is true,
// adapted from the teacher's NodeDebug (builtin/aspect/node_debug_aspect.go)
// which does the equivalent for rule-node message flow.
type DebugLog struct {
	logger  types.Logger
	Enabled bool
}

// NewDebugLog builds a DebugLog aspect; logger defaults to
// types.DefaultLogger() if nil.
func NewDebugLog(logger types.Logger, enabled bool) *DebugLog {
	if logger == nil {
		logger = types.DefaultLogger()
	}
	return &DebugLog{logger: logger, Enabled: enabled}
}

func (d *DebugLog) Order() int { return 1000 }

func (d *DebugLog) New() types.Aspect {
	return &DebugLog{logger: d.logger, Enabled: d.Enabled}
}

func (d *DebugLog) BeforeUpdate(ctx context.Context, sourceName string, instance types.ObjectInstance, record types.Record) {
	if d.Enabled {
		d.logger.Printf("debug: %s: onUpdate %s value=%v quality=%s", sourceName, instance.ElementId, record.Value, record.Quality)
	}
}

func (d *DebugLog) AfterUpdate(ctx context.Context, sourceName string, instance types.ObjectInstance, record types.Record, err error) {
	if d.Enabled && err != nil {
		d.logger.Printf("debug: %s: onUpdate %s failed: %v", sourceName, instance.ElementId, err)
	}
}

var _ types.DataSourceAspect = (*DebugLog)(nil)
