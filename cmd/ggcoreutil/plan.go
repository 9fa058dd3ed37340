// plan.go - plan-Subcommand: Scheduling-Entscheidungen fuer einen Beispielgraphen
package main

import (
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ggcore/ggcore/dtype"
	"github.com/ggcore/ggcore/engine"
	"github.com/ggcore/ggcore/graph"
	"github.com/ggcore/ggcore/scheduler"
)

func newPlanCmd() *cobra.Command {
	var threads int
	var dim int
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan a sample attention block and show per-node task counts and scratch sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return planHandler(cmd, threads, dim)
		},
	}
	cmd.Flags().IntVarP(&threads, "threads", "t", 4, "worker thread count to plan for")
	cmd.Flags().IntVarP(&dim, "dim", "d", 64, "model dimension of the sample block")
	return cmd
}

// planHandler builds one attention-shaped block (norm, three projections,
// masked softmax attention, output projection with a residual add) and
// prints the plan the
// scheduler would run it with.
func planHandler(cmd *cobra.Command, threads, dim int) error {
	backend, err := engine.NewBackend(engine.BackendParams{NumThreads: threads, ArenaSize: 256 << 20})
	if err != nil {
		return err
	}
	ctx := backend.NewContext("plan")

	x := ctx.NewTensor(dtype.F32, dim, dim).SetName("x")
	wq := ctx.NewTensor(dtype.F32, dim, dim).SetName("wq")
	wk := ctx.NewTensor(dtype.F32, dim, dim).SetName("wk")
	wv := ctx.NewTensor(dtype.F32, dim, dim).SetName("wv")
	wo := ctx.NewTensor(dtype.F32, dim, dim).SetName("wo")

	cur := ctx.RMSNorm(x, 1e-6)
	q := ctx.MulMat(wq, cur)
	k := ctx.MulMat(wk, cur)
	v := ctx.MulMat(wv, cur)
	scores := ctx.Softmax(ctx.DiagMaskInf(ctx.MulMat(k, q), 0))
	attn := ctx.MulMat(ctx.Cont(ctx.Transpose(v)), scores)
	out := ctx.Add(ctx.MulMat(wo, attn), x)

	g := graph.BuildForward(out)
	plan := scheduler.Build(g, threads)

	w := cmd.OutOrStdout()
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"#", "Op", "Name", "Shape", "Tasks", "Scratch"})
	for i, n := range g.Nodes {
		np := plan.Nodes[i]
		table.Append([]string{
			fmt.Sprint(i),
			n.Op.String(),
			n.Name,
			fmt.Sprintf("%d x %d", n.Ne[0], n.Ne[1]),
			fmt.Sprint(np.NTasks),
			fmt.Sprint(np.ScratchLen),
		})
	}
	table.Render()
	fmt.Fprintf(w, "\n%d nodes, %d leaves, %d threads, %d scratch bytes total\n",
		len(g.Nodes), len(g.Leaves), plan.NThreads, plan.WorkSize)
	return nil
}
