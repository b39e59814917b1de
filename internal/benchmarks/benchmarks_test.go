package benchmarks

// Benchmarks of the ConvertLinearToCompressedLinear pass, and of the evaluation of the graphs it rewrites
// with the pure Go (simplego) backend.
//
// - Command used:
//	go test . -test.bench=.
//
// The parallel benchmark runs independent graphs through the pass concurrently, one per worker:
//
//	go test . -test.run=TestParallelFusion -bench_duration=10s

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/graphrewrite/ir"
	"github.com/gomlx/graphrewrite/togomlx"
	"github.com/gomlx/graphrewrite/transforms"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

var (
	benchmarkConfigs = []MLPConfig{
		{NumLayers: 4, Width: 64},
		{NumLayers: 4, Width: 64, ZeroPoint: true, Transposed: true},
		{NumLayers: 4, Width: 64, Groups: 8, ZeroPoint: true},
		{NumLayers: 32, Width: 256, Groups: 16},
	}
	benchmarkBatchSize = 16
)

// fuse runs the compressed linear fusion on g, and panics if it fails.
func fuse(g *ir.Graph) transforms.Stats {
	stats, err := transforms.Run(g, transforms.NewConvertLinearToCompressedLinear(nil))
	if err != nil {
		panic(err)
	}
	return stats
}

// newMLPExec compiles g into a GoMLX executable taking "x" and returning the graph result.
func newMLPExec(backend backends.Backend, g *ir.Graph) *graph.Exec {
	return graph.MustNewExec(backend, func(x *graph.Node) *graph.Node {
		return togomlx.CallGraph(x.Graph(), g, map[string]*graph.Node{"x": x})[0]
	})
}

func TestFusedMLP(t *testing.T) {
	backend := must.M1(simplego.New(""))
	for _, config := range benchmarkConfigs {
		t.Run(config.String(), func(t *testing.T) {
			g := BuildMLP(config)
			x := RandomInput(benchmarkBatchSize, config.Width, 1)
			want := must.M1(togomlx.Evaluate(backend, g, map[string]*tensors.Tensor{"x": x}))[0]

			stats := fuse(g)
			require.Equal(t, config.NumLayers, stats.Rewrites())
			for _, node := range g.TopologicalOrder() {
				require.NotEqual(t, ir.OpLinear, node.OpType())
				require.NotEqual(t, ir.OpMultiply, node.OpType())
			}
			got := must.M1(togomlx.Evaluate(backend, g, map[string]*tensors.Tensor{"x": x}))[0]
			require.NotPanics(t, func() { requireSameTensorsFloat32(want, got, 1e-4) })
		})
	}
}

// BenchmarkFusionPass measures the time to run the pass over freshly built graphs.
func BenchmarkFusionPass(b *testing.B) {
	for _, config := range benchmarkConfigs {
		b.Run(config.String(), func(b *testing.B) {
			for b.Loop() {
				b.StopTimer()
				g := BuildMLP(config)
				b.StartTimer()
				fuse(g)
			}
		})
	}
}

// BenchmarkEvaluate compares the execution of the graphs before and after fusion.
// We try not to count the time for tensor transfers in and out.
func BenchmarkEvaluate(b *testing.B) {
	backend := must.M1(simplego.New(""))
	for _, config := range benchmarkConfigs {
		for _, fused := range []bool{false, true} {
			b.Run(fmt.Sprintf("%s/fused=%v", config, fused), func(b *testing.B) {
				g := BuildMLP(config)
				if fused {
					fuse(g)
				}
				exec := newMLPExec(backend, g)
				defer exec.Finalize()
				x := RandomInput(benchmarkBatchSize, config.Width, 1)

				// WarmUp:
				for range 3 {
					output := must.M1(exec.Exec1(x))
					output.FinalizeAll()
				}

				b.ResetTimer()
				for b.Loop() {
					output := must.M1(exec.Exec1(x))
					output.FinalizeAll()
				}
			})
		}
	}
}

// TestParallelFusion runs the pass over independent graphs in parallel. Each graph is owned by a single
// worker at a time.
func TestParallelFusion(t *testing.T) {
	if testing.Short() || *flagBenchDuration == 0 {
		t.Skip("Skipping test: use -bench_duration to enable it")
	}
	config := benchmarkConfigs[len(benchmarkConfigs)-1]
	for _, numWorkers := range []int{1, runtime.NumCPU()} {
		implParallelBenchmark(
			fmt.Sprintf("ConvertLinearToCompressedLinear/%s/workers=%d", config, numWorkers),
			numWorkers, numWorkers == 1, 3,
			func() *ir.Graph { return BuildMLP(config) },
			func(_ int, g *ir.Graph) {
				if stats := fuse(g); stats.Rewrites() != config.NumLayers {
					klog.Errorf("graph %q: only %d of %d layers fused", g.Name(), stats.Rewrites(), config.NumLayers)
				}
			})
	}
}
