package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"slices"
	"strings"

	"model-align-go/checkpoint"
	"model-align-go/topology"
)

// weightReport compares one tensor of two checkpoints.
type weightReport struct {
	Name    string
	Shape   []int
	Match   bool // shapes agree
	RelDiff float64
	Cosine  float64
	Min     float32
	Max     float32
	Mean    float32
}

func main() {
	verbose := flag.Bool("v", false, "Print every weight, not only the per-space summary")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] MODEL TARGET\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}

	model, err := checkpoint.Open(flag.Arg(0))
	if err != nil {
		log.Fatalf("Failed to load model: %v", err)
	}
	target, err := checkpoint.Open(flag.Arg(1))
	if err != nil {
		log.Fatalf("Failed to load target: %v", err)
	}
	topo, err := topology.FromCheckpoint(model)
	if err != nil {
		log.Fatalf("Failed to build topology: %v", err)
	}

	reports, err := compareWeights(model, target)
	if err != nil {
		log.Fatalf("Failed to compare: %v", err)
	}

	fmt.Println("=== Alignment Check ===")
	fmt.Printf("Model:  %s (%s)\n", model.Dir, model.Config.Architecture)
	fmt.Printf("Target: %s (%s)\n", target.Dir, target.Config.Architecture)

	if *verbose {
		fmt.Println("\n=== Weights ===")
		for _, r := range reports {
			if !r.Match {
				fmt.Printf("%-60s shape %v  MISMATCH\n", r.Name, r.Shape)
				continue
			}
			fmt.Printf("%-60s rel=%.6f cos=%.6f  min=%.4f max=%.4f mean=%.4f\n",
				r.Name, r.RelDiff, r.Cosine, r.Min, r.Max, r.Mean)
		}
	}

	fmt.Println("\n=== Spaces ===")
	for _, s := range summarizeSpaces(topo, reports) {
		fmt.Printf("%-30s weights=%-3d mean rel=%.6f worst=%s (%.6f)\n",
			s.Space, s.Weights, s.MeanRelDiff, s.Worst, s.WorstRelDiff)
	}

	mismatched := 0
	for _, r := range reports {
		if !r.Match {
			mismatched++
		}
	}
	fmt.Printf("\n%d weights compared, %d shape mismatches\n", len(reports), mismatched)
	if mismatched > 0 {
		os.Exit(1)
	}
}

// compareWeights compares every tensor of model present in target, in name order.
func compareWeights(model, target *checkpoint.Checkpoint) ([]weightReport, error) {
	var reports []weightReport
	for _, name := range model.Names() {
		if _, ok := target.Info(name); !ok {
			continue
		}
		a, err := model.Tensor(name)
		if err != nil {
			return nil, err
		}
		b, err := target.Tensor(name)
		if err != nil {
			return nil, err
		}

		r := weightReport{Name: name, Shape: a.Shape, Match: slices.Equal(a.Shape, b.Shape)}
		if r.Match {
			r.RelDiff, r.Cosine = difference(a.Data, b.Data)
			r.Min, r.Max, r.Mean = stats(a.Data)
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// difference returns ‖a-b‖/‖b‖ and the cosine similarity of a and b.
func difference(a, b []float32) (rel, cos float64) {
	var diff, na, nb, dot float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		diff += (x - y) * (x - y)
		na += x * x
		nb += y * y
		dot += x * y
	}
	if nb > 0 {
		rel = math.Sqrt(diff / nb)
	} else if diff > 0 {
		rel = math.Inf(1)
	}
	if na > 0 && nb > 0 {
		cos = dot / math.Sqrt(na*nb)
	}
	return rel, cos
}

func stats(data []float32) (min, max, mean float32) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	min, max = data[0], data[0]
	sum := float32(0)
	for _, v := range data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	return min, max, sum / float32(len(data))
}

type spaceSummary struct {
	Space        string
	Weights      int
	MeanRelDiff  float64
	Worst        string
	WorstRelDiff float64
}

// summarizeSpaces aggregates weight reports per space in declared order.
// Shape mismatches are left out.
func summarizeSpaces(topo *topology.Topology, reports []weightReport) []spaceSummary {
	byName := make(map[string]weightReport, len(reports))
	for _, r := range reports {
		byName[r.Name] = r
	}

	var out []spaceSummary
	for _, name := range topo.SpaceNames() {
		s := spaceSummary{Space: name}
		var total float64
		for _, m := range topo.Members(name) {
			r, ok := byName[m.Weight]
			if !ok || !r.Match {
				continue
			}
			s.Weights++
			total += r.RelDiff
			if s.Worst == "" || r.RelDiff > s.WorstRelDiff {
				s.Worst = shortName(m.Weight)
				s.WorstRelDiff = r.RelDiff
			}
		}
		if s.Weights > 0 {
			s.MeanRelDiff = total / float64(s.Weights)
		}
		out = append(out, s)
	}
	return out
}

func shortName(name string) string {
	name = strings.TrimPrefix(name, "model.")
	return strings.TrimSuffix(name, ".weight")
}
