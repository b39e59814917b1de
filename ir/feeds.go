package ir

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// ValidateFeeds checks that there is one fed shape per graph parameter, compatible with the parameter shape.
//
// Unknown dimensions accept any value, but unknown dimensions sharing the same name must be fed
// with the same value across all parameters.
func (g *Graph) ValidateFeeds(feeds map[string]shapes.Shape) error {
	params := g.Parameters()
	if len(feeds) != len(params) {
		return errors.Errorf("graph %q takes %d parameters, but %d were fed", g.name, len(params), len(feeds))
	}
	dimValues := make(map[string]int)
	for _, param := range params {
		name := param.ParameterName()
		givenShape, found := feeds[name]
		if !found {
			return errors.Errorf("graph %q parameter %q was not fed", g.name, name)
		}
		wantShape := param.Shape()
		if givenShape.DType != wantShape.DType {
			return errors.Errorf("parameter %q should have dtype %s, got dtype %s instead",
				name, wantShape.DType, givenShape.DType)
		}
		if !wantShape.RankKnown() {
			continue
		}
		if givenShape.Rank() != wantShape.Rank() {
			return errors.Errorf("parameter %q should be rank %d, got rank %d instead",
				name, wantShape.Rank(), givenShape.Rank())
		}
		for axis, wantDim := range wantShape.Dimensions {
			gotDim := givenShape.Dim(axis)
			if wantDim != DimUnknown {
				if wantDim != gotDim {
					return errors.Errorf("parameter %q has invalid shape: want %s, got %s", name, wantShape, givenShape)
				}
				continue
			}
			if len(wantShape.Names) <= axis || wantShape.Names[axis] == "" {
				continue
			}
			dimName := wantShape.Names[axis]
			if boundDim, found := dimValues[dimName]; !found {
				dimValues[dimName] = gotDim
			} else if boundDim != gotDim {
				return errors.Errorf("parameter %q shaped %s got unmatching shape %s for axis %q (wanted dim %d)",
					name, wantShape, givenShape, dimName, boundDim)
			}
		}
	}
	return nil
}

// ParameterNames returns the names of the graph parameters, sorted.
func (g *Graph) ParameterNames() []string {
	names := make([]string, 0, len(g.params))
	for name := range g.params {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
