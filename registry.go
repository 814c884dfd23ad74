package boxing

import (
	"sync"

	"github.com/gomlx/boxing/internal/utils"
	"github.com/gomlx/boxing/types/boxerr"
	"github.com/gomlx/boxing/types/shapes"
	"github.com/gomlx/boxing/types/shardy"
	"github.com/gomlx/boxing/types/tensors"
)

// Feasibility tells whether a rule can move a tensor of the given logical shape from the src to the dst placement.
// It returns nil if it can, or an error saying why not, which is reported if no rule is found.
//
// It must be a pure function: its result is cached.
type Feasibility func(src, dst *shardy.PlacedDistribution, logical shapes.Shape) error

// Executor moves the data of input to the placement of dst, on the rank of ctx.
//
// It must not modify input, and it must return a new tensor tagged with dst. Every rank involved in the
// transition calls the executor, and they must all enqueue the same collectives in the same order.
type Executor func(ctx *Context, input *tensors.Consistent, dst *tensors.Descriptor) (*tensors.Consistent, error)

// Rule is a named transformation between placements, registered in a Registry.
type Rule struct {
	Name        string
	Feasibility Feasibility
	Executor    Executor
}

// Registry holds the rules available for Context.Redistribute, in registration order.
//
// Rules are registered at startup, and the registry is frozen when the first Context uses it.
type Registry struct {
	mu     sync.Mutex
	rules  []*Rule
	names  utils.Set[string]
	frozen bool
}

// NewRegistry creates an empty registry. See DefaultRegistry for one with the built-in rules.
func NewRegistry() *Registry {
	return &Registry{names: utils.MakeSet[string]()}
}

// Register adds a rule to the end of the registry.
//
// It returns an error matching boxerr.ErrConfiguration if the name is empty or already registered, if
// feasibility or executor is nil, or if the registry is frozen.
func (r *Registry) Register(name string, feasibility Feasibility, executor Executor) error {
	if name == "" {
		return boxerr.Errorf(boxerr.ErrConfiguration, "rule name cannot be empty")
	}
	if feasibility == nil || executor == nil {
		return boxerr.Errorf(boxerr.ErrConfiguration, "rule %q requires both a feasibility predicate and an executor", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return boxerr.Errorf(boxerr.ErrConfiguration, "cannot register rule %q: registry is frozen", name)
	}
	if r.names.Has(name) {
		return boxerr.Errorf(boxerr.ErrConfiguration, "rule %q registered twice", name)
	}
	r.names.Insert(name)
	r.rules = append(r.rules, &Rule{Name: name, Feasibility: feasibility, Executor: executor})
	return nil
}

// Freeze prevents further registrations. It is idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen returns whether the registry is frozen.
func (r *Registry) Frozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}

// Rules returns the registered rules, in registration order.
func (r *Registry) Rules() []*Rule {
	r.mu.Lock()
	defer r.mu.Unlock()
	rules := make([]*Rule, len(r.rules))
	copy(rules, r.rules)
	return rules
}

// Names of the registered rules, in registration order.
func (r *Registry) Names() []string {
	rules := r.Rules()
	names := make([]string, len(rules))
	for i, rule := range rules {
		names[i] = rule.Name
	}
	return names
}

// Built-in rule names, in the order DefaultRegistry registers them.
const (
	RuleIdentity   = "identity"
	RuleNaiveSToS  = "naive-s-to-s"
	RuleNaiveBToS  = "naive-b-to-s"
	RuleNaiveSToB  = "naive-s-to-b"
	RuleNaivePToB  = "naive-p-to-b"
	RuleNaivePToS  = "naive-p-to-s"
	RuleNaiveBToP  = "naive-b-to-p"
	RuleNDExchange = "nd-exchange"
)

// DefaultRegistry returns a new, not yet frozen, registry with the built-in rules:
//
//   - identity: source and destination placements are the same; the shard is passed through.
//   - naive-s-to-s: Split to Split on 1-D meshes of the same device kind; resharding exchange.
//   - naive-b-to-s: Broadcast to Split on the same 1-D mesh; local slice.
//   - naive-s-to-b: Split to Broadcast on 1-D meshes of the same device kind; all-gather exchange.
//   - naive-p-to-b: PartialSum to Broadcast on the same 1-D mesh; all-reduce.
//   - naive-p-to-s: PartialSum to Split on the same 1-D mesh; all-reduce followed by a local slice.
//   - naive-b-to-p: Broadcast to PartialSum on the same 1-D mesh; the first rank keeps the value, others zeros.
//   - nd-exchange: any meshes of the same device kind, without PartialSum; resharding exchange.
//
// More rules can be registered before the registry is used.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	builtins := []Rule{
		{RuleIdentity, checkIdentity, executeIdentity},
		{RuleNaiveSToS, checkNaiveSToS, executeExchange},
		{RuleNaiveBToS, checkNaiveBToS, executeBToS},
		{RuleNaiveSToB, checkNaiveSToB, executeExchange},
		{RuleNaivePToB, checkNaivePToB, executePToB},
		{RuleNaivePToS, checkNaivePToS, executePToS},
		{RuleNaiveBToP, checkNaiveBToP, executeBToP},
		{RuleNDExchange, checkNDExchange, executeExchange},
	}
	for _, rule := range builtins {
		if err := r.Register(rule.Name, rule.Feasibility, rule.Executor); err != nil {
			panic(err)
		}
	}
	return r
}
