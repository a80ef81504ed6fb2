package query

import (
	"flag"
	"time"

	"github.com/pkg/errors"
)

// Context option names understood by this node.
const (
	CtxTimeout       = "timeout"
	CtxPriority      = "priority"
	CtxBySegment     = "bySegment"
	CtxUseCache      = "useCache"
	CtxPopulateCache = "populateCache"
	CtxQueryID       = "queryId"
)

// Context is the caller-supplied option map carried by a query. Values
// arrive through JSON, so numeric options may be float64.
type Context map[string]interface{}

func (c Context) clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func (c Context) duration(key string) (time.Duration, bool) {
	switch v := c[key].(type) {
	case time.Duration:
		return v, true
	case float64:
		return time.Duration(v) * time.Millisecond, true
	case int:
		return time.Duration(v) * time.Millisecond, true
	case int64:
		return time.Duration(v) * time.Millisecond, true
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, false
		}
		return d, true
	default:
		return 0, false
	}
}

func (c Context) integer(key string) (int, bool) {
	switch v := c[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}

func (c Context) boolean(key string, def bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return def
}

// Timeout returns the query timeout option, in milliseconds on the wire.
func (c Context) Timeout() (time.Duration, bool) { return c.duration(CtxTimeout) }

// Priority returns the query priority option.
func (c Context) Priority() (int, bool) { return c.integer(CtxPriority) }

// BySegment reports whether the caller asked for segment-grouped results.
func (c Context) BySegment() bool { return c.boolean(CtxBySegment, false) }

// UseCache reports whether per-segment cache lookups are allowed.
func (c Context) UseCache(def bool) bool { return c.boolean(CtxUseCache, def) }

// PopulateCache reports whether per-segment cache population is allowed.
func (c Context) PopulateCache(def bool) bool { return c.boolean(CtxPopulateCache, def) }

// Limits bounds what callers may ask for via query context.
type Limits struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	MaxPriority    int           `yaml:"max_priority"`
}

// RegisterFlags adds the flags required to configure this to the given FlagSet.
func (l *Limits) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&l.DefaultTimeout, "querier.default-timeout", time.Minute, "Timeout applied to queries that do not carry one.")
	f.DurationVar(&l.MaxTimeout, "querier.max-timeout", 5*time.Minute, "Longest timeout a query may request.")
	f.IntVar(&l.MaxPriority, "querier.max-priority", 100, "Largest absolute priority a query may request.")
}

// VerifyAndDefault validates the caller's context options against the
// node's limits and fills in defaults. The input map is not mutated.
func VerifyAndDefault(c Context, limits Limits) (Context, error) {
	out := c.clone()
	if out == nil {
		out = Context{}
	}

	timeout, ok := out.Timeout()
	if !ok {
		timeout = limits.DefaultTimeout
	}
	if limits.MaxTimeout > 0 && timeout > limits.MaxTimeout {
		return nil, errors.Errorf("configured timeout %s exceeds maximum allowed %s", timeout, limits.MaxTimeout)
	}
	out[CtxTimeout] = timeout

	if p, ok := out.Priority(); ok {
		if limits.MaxPriority > 0 && (p > limits.MaxPriority || p < -limits.MaxPriority) {
			return nil, errors.Errorf("priority %d outside allowed bound %d", p, limits.MaxPriority)
		}
		out[CtxPriority] = p
	}

	return out, nil
}
