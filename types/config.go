package types

// Config carries the shared, process-wide settings the engine, manager, and
// subscription packages all read from: logging and the set of AOP aspects.
// It follows the teacher's functional-options construction pattern so new
// settings can be added without breaking existing call sites.
type Config struct {
	Logger                Logger
	DataSourceAspects     []DataSourceAspect
	SubscriptionAspects   []SubscriptionAspect
	RoutingAspects        []RoutingAspect
	RecordHistoryCapacity int
}

// Option configures a Config. See WithLogger, WithDataSourceAspects,
// WithSubscriptionAspects, WithRoutingAspects, WithRecordHistoryCapacity.
type Option func(*Config)

// NewConfig builds a Config with sane defaults and applies opts in order.
func NewConfig(opts ...Option) Config {
	c := Config{
		Logger:                DefaultLogger(),
		RecordHistoryCapacity: 256,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func WithLogger(l Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func WithDataSourceAspects(aspects ...DataSourceAspect) Option {
	return func(c *Config) { c.DataSourceAspects = append(c.DataSourceAspects, aspects...) }
}

func WithSubscriptionAspects(aspects ...SubscriptionAspect) Option {
	return func(c *Config) { c.SubscriptionAspects = append(c.SubscriptionAspects, aspects...) }
}

func WithRoutingAspects(aspects ...RoutingAspect) Option {
	return func(c *Config) { c.RoutingAspects = append(c.RoutingAspects, aspects...) }
}

// WithRecordHistoryCapacity bounds the per-element ring buffer kept by the
// value record store (design §4.1 Open Question: unbounded in memory is
// rejected in favor of a documented cap, default 256).
func WithRecordHistoryCapacity(n int) Option {
	return func(c *Config) { c.RecordHistoryCapacity = n }
}
