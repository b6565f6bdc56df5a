package workflow

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow-core/retry"
	"github.com/BaSui01/agentflow-core/types"
)

// FlowBuilder provides a fluent API for constructing flows
type FlowBuilder struct {
	name  string
	nodes []*GraphNode
	opts  []FlowOption
	errs  []error
}

// NewFlowBuilder creates a new flow builder with the given name
func NewFlowBuilder(name string) *FlowBuilder {
	return &FlowBuilder{name: name}
}

// WithLogger sets a custom logger
func (b *FlowBuilder) WithLogger(logger *zap.Logger) *FlowBuilder {
	b.opts = append(b.opts, WithLogger(logger))
	return b
}

// WithOptions appends flow options applied at Build time
func (b *FlowBuilder) WithOptions(opts ...FlowOption) *FlowBuilder {
	b.opts = append(b.opts, opts...)
	return b
}

// AddNode adds a standard node and returns a NodeBuilder for configuration
func (b *FlowBuilder) AddNode(id string, node Node) *NodeBuilder {
	return b.add(&GraphNode{ID: id, Type: Standard{Node: node}})
}

// AddFunc adds a standard node backed by a function
func (b *FlowBuilder) AddFunc(id string, fn NodeFunc) *NodeBuilder {
	return b.AddNode(id, fn)
}

// AddLifecycle adds a node implementing the prep/exec/post contract
func (b *FlowBuilder) AddLifecycle(id string, l Lifecycle, opts ...LifecycleOption) *NodeBuilder {
	return b.AddNode(id, FromLifecycle(l, opts...))
}

// AddMap adds a map node running template once per element of input_list
func (b *FlowBuilder) AddMap(id string, template []*GraphNode, parallel bool, maxParallel int) *NodeBuilder {
	return b.add(&GraphNode{ID: id, Type: Map{Template: template, Parallel: parallel, MaxParallel: maxParallel}})
}

// AddWhile adds a while node re-running template while condition is truthy
func (b *FlowBuilder) AddWhile(id, condition string, maxIterations int, template []*GraphNode) *NodeBuilder {
	return b.add(&GraphNode{ID: id, Type: While{Condition: condition, MaxIterations: maxIterations, Template: template}})
}

func (b *FlowBuilder) add(n *GraphNode) *NodeBuilder {
	n.Metadata = make(map[string]any)
	b.nodes = append(b.nodes, n)
	return &NodeBuilder{node: n, parent: b}
}

// Build validates the graph and creates a Flow
func (b *FlowBuilder) Build() (*Flow, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("flow %q: %w", b.name, errors.Join(b.errs...))
	}
	return NewFlow(b.name, b.nodes, b.opts...)
}

// NodeBuilder provides a fluent API for configuring individual nodes
type NodeBuilder struct {
	node   *GraphNode
	parent *FlowBuilder
}

// DependsOn declares dependencies on other nodes
func (nb *NodeBuilder) DependsOn(ids ...string) *NodeBuilder {
	nb.node.Dependencies = append(nb.node.Dependencies, ids...)
	return nb
}

// MapInput binds an input parameter to a producer output.
// ref accepts "{{ nodes.<id>.outputs.<field> }}".
func (nb *NodeBuilder) MapInput(param, ref string) *NodeBuilder {
	parsed, err := ParseOutputRef(ref)
	if err != nil {
		nb.parent.errs = append(nb.parent.errs, fmt.Errorf("node %q input %q: %w", nb.node.ID, param, err))
		return nb
	}
	return nb.MapOutput(param, parsed.NodeID, parsed.Field)
}

// MapOutput binds an input parameter to field of node
func (nb *NodeBuilder) MapOutput(param, nodeID, field string) *NodeBuilder {
	if nb.node.InputMapping == nil {
		nb.node.InputMapping = make(map[string]OutputRef)
	}
	nb.node.InputMapping[param] = OutputRef{NodeID: nodeID, Field: field}
	return nb
}

// RunIf sets the guard expression
func (nb *NodeBuilder) RunIf(expr string) *NodeBuilder {
	nb.node.RunIf = expr
	return nb
}

// WithInput sets an initial input value
func (nb *NodeBuilder) WithInput(name string, v any) *NodeBuilder {
	if nb.node.InitialInputs == nil {
		nb.node.InitialInputs = make(types.Values)
	}
	if fv, ok := v.(types.FlowValue); ok {
		nb.node.InitialInputs[name] = fv
	} else {
		nb.node.InitialInputs[name] = types.JSON(v)
	}
	return nb
}

// WithRetry sets the retry policy
func (nb *NodeBuilder) WithRetry(policy *retry.Policy) *NodeBuilder {
	nb.node.Retry = policy.Clone()
	return nb
}

// WithTimeout sets the per-attempt timeout
func (nb *NodeBuilder) WithTimeout(d time.Duration) *NodeBuilder {
	nb.node.Timeout = d
	return nb
}

// WithCircuitBreaker enables a circuit breaker for the node
func (nb *NodeBuilder) WithCircuitBreaker(cfg CircuitBreakerConfig) *NodeBuilder {
	nb.node.CircuitBreaker = &cfg
	return nb
}

// WithRateLimit limits how often the node may start
func (nb *NodeBuilder) WithRateLimit(rps float64, burst int) *NodeBuilder {
	nb.node.RateLimit = &RateLimitConfig{RPS: rps, Burst: burst}
	return nb
}

// WithMetadata sets a metadata value
func (nb *NodeBuilder) WithMetadata(key string, value any) *NodeBuilder {
	nb.node.Metadata[key] = value
	return nb
}

// Done completes node configuration and returns to the FlowBuilder
func (nb *NodeBuilder) Done() *FlowBuilder {
	return nb.parent
}
