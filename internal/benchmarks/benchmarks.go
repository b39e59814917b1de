// Package benchmarks implements support functionality for the benchmarks of the rewrite passes,
// and of the evaluation of graphs with and without fused CompressedLinear layers.
package benchmarks

import (
	"flag"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/graphrewrite/ir"
	"github.com/janpfeifer/go-benchmarks"
	"github.com/pkg/errors"
)

var flagBenchDuration = flag.Duration("bench_duration", 0,
	"Duration of the parallel benchmarks. If 0, the parallel benchmarks are skipped.")

// MLPConfig describes a stack of Linear layers over int8 weights dequantized in the graph,
// each followed by a Cosh activation.
type MLPConfig struct {
	NumLayers, Width int

	// Groups is the number of scale groups per output row. If larger than 1, the weights are
	// stored shaped [Width, Groups, Width/Groups] and reshaped to 2D before the Linear.
	Groups int

	// ZeroPoint adds a Subtract of a zero-point constant to the dequantization.
	ZeroPoint bool

	// Transposed stores the weights shaped [K, N] and transposes them before the Linear.
	// It's ignored if Groups > 1.
	Transposed bool
}

// String implements fmt.Stringer.
func (c MLPConfig) String() string {
	return fmt.Sprintf("layers=%d/width=%d/groups=%d/zp=%v/transposed=%v",
		c.NumLayers, c.Width, c.Groups, c.ZeroPoint, c.Transposed)
}

// BuildMLP builds the graph described by c, with input "x" shaped [batch, Width].
//
// Weights are deterministic, and scaled so that the activations stay bounded for any number of layers.
func BuildMLP(c MLPConfig) *ir.Graph {
	groups := max(c.Groups, 1)
	if c.Width%groups != 0 {
		panic(errors.Errorf("BuildMLP(%s): width must be divisible by the number of groups", c))
	}
	g := ir.NewGraph(fmt.Sprintf("mlp(%s)", c))
	x := ir.Parameter(g, "x", ir.MakeShape(dtypes.Float32, ir.DimUnknown, c.Width).WithNames("batch", ""))
	baseScale := 1 / (16 * float32(c.Width))
	for layer := range c.NumLayers {
		n, k := c.Width, c.Width
		weightsValues := make([]int8, n*k)
		for ii := range weightsValues {
			weightsValues[ii] = int8((ii*7+layer*3)%9 - 4)
		}

		var weightsDims, scaleDims []int
		switch {
		case groups > 1:
			weightsDims = []int{n, groups, k / groups}
			scaleDims = []int{n, groups, 1}
		case c.Transposed:
			weightsDims = []int{k, n}
			scaleDims = []int{1, n}
		default:
			weightsDims = []int{n, k}
			scaleDims = []int{n, 1}
		}
		scaleValues := make([]float32, n*groups)
		for ii := range scaleValues {
			scaleValues[ii] = baseScale * (1 + 0.5*math32.Sin(float32(ii+layer)))
		}

		w := ir.Convert(ir.Const(g, weightsValues, weightsDims...), dtypes.Float32)
		if c.ZeroPoint {
			w = ir.Subtract(w, ir.Const(g, []float32{0.5}, 1, 1))
		}
		w = ir.Multiply(w, ir.Const(g, scaleValues, scaleDims...))
		switch {
		case groups > 1:
			w = ir.Reshape(w, ir.ConstInts(g, n, k))
		case c.Transposed:
			w = ir.Transpose(w, ir.ConstInts(g, 1, 0))
		}
		linear := ir.Linear(x, w, dtypes.Float32)
		linear.Node().SetName(fmt.Sprintf("layer%d/fc", layer))
		x = ir.Cosh(linear)
	}
	g.AddResult(x)
	return g
}

// RandomInput returns an input for BuildMLP graphs shaped [batchSize, width], with values in [-1, 1].
func RandomInput(batchSize, width int, seed int) *tensors.Tensor {
	values := make([]float32, batchSize*width)
	state := uint32(seed)*2654435761 + 1
	for ii := range values {
		// xorshift32.
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		values[ii] = 2*float32(state)/float32(1<<32) - 1
	}
	return tensors.FromFlatDataAndDimensions(values, batchSize, width)
}

// requireSameTensorsFloat32 compares two tensors and panics if they are not within a delta margin.
func requireSameTensorsFloat32(want, got *tensors.Tensor, delta float32) {
	if !got.Shape().Equal(want.Shape()) {
		panic(errors.Errorf("tensors have different shapes: want %s, got %s", want.Shape(), got.Shape()))
	}
	gotFlat := tensors.MustCopyFlatData[float32](got)
	wantFlat := tensors.MustCopyFlatData[float32](want)
	var mismatches int
	for flatIdx, gotValue := range gotFlat {
		wantValue := wantFlat[flatIdx]
		if math32.Abs(gotValue-wantValue) > delta {
			if mismatches < 3 {
				fmt.Printf("\tflatIdx=%d has a mismatch: got %f, want %f\n", flatIdx, gotValue, wantValue)
			} else if mismatches == 4 {
				fmt.Printf("\t...\n")
			}
			mismatches++
		}
	}
	if mismatches > 0 {
		fmt.Printf("Found %d mismatches in tensors\n", mismatches)
		panic(errors.Errorf("found %d mismatches in tensors", mismatches))
	}
}

// formatDuration formats the duration with 2 decimal places but keeping the unit suffix.
func formatDuration(d time.Duration) string {
	s := d.String()
	i := 0
	for ; i < len(s); i++ {
		if (s[i] < '0' || s[i] > '9') && s[i] != '.' {
			break
		}
	}
	// Found the time unit (the suffix)
	num := s[:i]
	unit := s[i:]
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", f, unit)
}

// implParallelBenchmark runs workerFn on numWorkers goroutines, each taking the inputs created by inputFn,
// and reports the time per input.
func implParallelBenchmark[E any](
	name string,
	numWorkers int, header bool,
	warmUpRuns int,
	inputFn func() E,
	workerFn func(workerIdx int, e E)) {
	var wg sync.WaitGroup
	done := make(chan struct{})

	// Start producer of inputs:
	//   - We add some buffer because we don't want the preparation of the inputs (producer)
	//     to be a bottleneck or even accounted for.
	examplesChan := make(chan E, numWorkers)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			e := inputFn()
			select {
			case <-done:
				return
			case examplesChan <- e:
			}
		}
	}()

	// Start consumers:
	finishedCounter := make(chan struct{})
	for workerIdx := range numWorkers {
		wg.Add(1)
		go func(workerIdx int) {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			for {
				var e E
				select {
				case <-done:
					return
				case e = <-examplesChan:
				}
				workerFn(workerIdx, e)
				select {
				case <-done:
					return
				case finishedCounter <- struct{}{}:
				}
			}
		}(workerIdx)
	}

	// Benchmark function is simply reading out finished
	testFn := benchmarks.NamedFunction{
		Name: name,
		Func: func() {
			<-finishedCounter
		},
	}
	benchmarks.New(testFn).
		WithWarmUps(warmUpRuns).
		WithDuration(*flagBenchDuration).
		WithHeader(header).
		WithInnerRepeats(1).
		WithPrettyPrintFn(formatDuration).
		Done()

	// Closing done signals all goroutines to end.
	close(done)
	wg.Wait()
}
