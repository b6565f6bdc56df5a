package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentflow-core/state"
	"github.com/BaSui01/agentflow-core/types"
)

// runMap 对 input_list 中的每一项运行一次模板子图，
// 输出 results 为各次子运行的上下文快照，顺序与输入一致。
func (f *Flow) runMap(ctx context.Context, rs *runState, node *GraphNode, m Map, inputs types.Values) (types.Values, error) {
	raw, ok := inputs[MapInputList]
	if !ok {
		return nil, types.InputError(node.ID, fmt.Sprintf("missing required input %q", MapInputList))
	}
	v, _ := raw.JSONValue()
	items, ok := v.([]any)
	if !ok {
		return nil, types.InputError(node.ID, fmt.Sprintf("input %q must be an array", MapInputList))
	}

	sub := f.subflows[node.ID]
	results := make([]any, len(items))
	runItem := func(ctx context.Context, i int) error {
		res, err := sub.Run(ctx,
			WithInputs(types.Values{MapItem: types.JSON(items[i])}),
			WithRunID(fmt.Sprintf("%s/%s[%d]", rs.runID, node.ID, i)),
		)
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		results[i] = res.Context
		return nil
	}

	rs.logger.Debug("map node fan-out",
		zap.String("node_id", node.ID),
		zap.Int("items", len(items)),
		zap.Bool("parallel", m.Parallel),
	)

	if m.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		if m.MaxParallel > 0 {
			g.SetLimit(m.MaxParallel)
		}
		for i := range items {
			g.Go(func() error { return runItem(gctx, i) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i := range items {
			if err := runItem(ctx, i); err != nil {
				return nil, err
			}
		}
	}
	return types.Values{MapResults: types.JSON(results)}, nil
}

// runWhile 在条件为真且未达到迭代上限时重复运行模板子图。
// 每轮出口节点的输出合并进循环变量，循环变量既是下一轮输入也是最终输出。
func (f *Flow) runWhile(ctx context.Context, rs *runState, node *GraphNode, w While, inputs types.Values) (types.Values, error) {
	sub := f.subflows[node.ID]
	exits := sub.ExitNodes()
	vars := inputs.Clone()
	if vars == nil {
		vars = types.Values{}
	}

	iterations := 0
	for iterations < w.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, types.Cancelled(err)
		}
		cond := state.New()
		for _, k := range sortedKeys(vars) {
			cond.InsertValue(k, vars[k])
		}
		if !EvaluateGuard(cond, w.Condition) {
			break
		}

		res, err := sub.Run(ctx,
			WithInputs(vars),
			WithRunID(fmt.Sprintf("%s/%s#%d", rs.runID, node.ID, iterations+1)),
		)
		if err != nil {
			return nil, err
		}
		if err := res.Err(); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", iterations+1, err)
		}
		for _, exit := range exits {
			if out, ok := res.Outputs(exit); ok {
				for k, v := range out {
					vars[k] = v
				}
			}
		}
		iterations++
	}

	rs.logger.Debug("while node finished",
		zap.String("node_id", node.ID),
		zap.Int("iterations", iterations),
	)
	return vars, nil
}
