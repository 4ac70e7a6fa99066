// Benchmark tool for the Merlin evaluation engine.
//
// Usage:
//
//	go run cmd/benchmark/main.go -n 100000 -workers 8
//
// This tool:
//  1. Compiles a representative VAT rulepack once
//  2. Runs N evaluations across concurrent workers
//  3. Reports throughput and latency percentiles
//  4. Verifies determinism: identical input produces byte-identical output
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/rulepack"
)

func main() {
	n := flag.Int("n", 100000, "Number of evaluations to run")
	workers := flag.Int("workers", 8, "Number of concurrent workers")
	determinismRuns := flag.Int("determinism", 100, "Repeated runs of one fixed context")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║              MERLIN BENCHMARK - Rulepack Evaluation           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nEvaluations: %d\n", *n)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	pack, _, err := rulepack.Compile(benchmarkDocument())
	if err != nil {
		fmt.Printf("ERROR: benchmark rulepack failed to compile: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Compiled rulepack %s@%s (%d rules, %d calculations)\n\n",
		pack.Jurisdiction, pack.Version, len(pack.Rules), len(pack.Calculations))

	executor := rulepack.NewExecutor(pack)

	runThroughput(executor, *n, *workers)
	runDeterminism(executor, *determinismRuns)
}

func runThroughput(executor *rulepack.Executor, n, workers int) {
	fmt.Println("Throughput:")

	latencies := make([]time.Duration, n)
	var next atomic.Int64
	var fieldErrors atomic.Int64

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				i := next.Add(1) - 1
				if i >= int64(n) {
					return
				}
				ectx := randomContext(rng)
				evalStart := time.Now()
				result := executor.Run(ectx)
				latencies[i] = time.Since(evalStart)
				if len(result.FieldErrors) > 0 {
					fieldErrors.Add(1)
				}
			}
		}(int64(w) + 1)
	}
	wg.Wait()
	elapsed := time.Since(start)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	fmt.Printf("  total:        %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  throughput:   %.0f evals/sec\n", float64(n)/elapsed.Seconds())
	fmt.Printf("  p50 latency:  %v\n", latencies[n/2])
	fmt.Printf("  p99 latency:  %v\n", latencies[n*99/100])
	fmt.Printf("  field errors: %d\n\n", fieldErrors.Load())
}

// runDeterminism evaluates one fixed context repeatedly and compares
// the marshaled results byte for byte. Wall-clock timing is zeroed
// first; everything else must be identical.
func runDeterminism(executor *rulepack.Executor, runs int) {
	fmt.Println("Determinism:")

	fixed := &domain.EvaluationContext{
		TenantID:    "benchmark",
		PeriodStart: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
		Data: map[string]any{
			"sales":     map[string]any{"total": 125000.0, "exports": 14000.0},
			"purchases": map[string]any{"total": 48000.0},
		},
	}

	var baseline []byte
	for i := 0; i < runs; i++ {
		result := executor.Run(fixed)
		result.Metadata.TotalMs = 0
		encoded, err := json.Marshal(result)
		if err != nil {
			fmt.Printf("  ERROR: marshal failed: %v\n", err)
			os.Exit(1)
		}
		if baseline == nil {
			baseline = encoded
			continue
		}
		if string(encoded) != string(baseline) {
			fmt.Printf("  FAIL: run %d diverged from baseline\n", i)
			os.Exit(1)
		}
	}
	fmt.Printf("  %d runs byte-identical: OK\n", runs)
}

// randomContext produces a filing with randomized figures so the
// throughput run exercises both rule branches.
func randomContext(rng *rand.Rand) *domain.EvaluationContext {
	sales := 1000 + rng.Float64()*200000
	return &domain.EvaluationContext{
		TenantID:    "benchmark",
		PeriodStart: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
		Data: map[string]any{
			"sales":     map[string]any{"total": sales, "exports": sales * 0.1},
			"purchases": map[string]any{"total": sales * 0.4},
		},
	}
}

func benchmarkDocument() *domain.RulepackDocument {
	return &domain.RulepackDocument{
		Jurisdiction:  "uk",
		FilingType:    "vat-return",
		Version:       "1.0.0",
		EffectiveFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Rules: []domain.Rule{
			{
				ID:       "output-vat",
				Name:     "Output VAT on domestic sales",
				Priority: 10,
				Condition: domain.ConditionNode{
					Type:  domain.ConditionExists,
					Field: "sales.total",
				},
				Action: domain.ActionSpec{
					Type:          domain.ActionCalculate,
					Field:         "vat.output",
					CalculationID: "output_vat",
				},
			},
			{
				ID:       "input-vat",
				Name:     "Input VAT on purchases",
				Priority: 10,
				Condition: domain.ConditionNode{
					Type:  domain.ConditionExists,
					Field: "purchases.total",
				},
				Action: domain.ActionSpec{
					Type:          domain.ActionCalculate,
					Field:         "vat.input",
					CalculationID: "input_vat",
				},
			},
			{
				ID:       "net-vat",
				Name:     "Net VAT due",
				Priority: 5,
				Condition: domain.ConditionNode{
					Type:  domain.ConditionExists,
					Field: "sales.total",
				},
				Action: domain.ActionSpec{
					Type:          domain.ActionCalculate,
					Field:         "vat.due",
					CalculationID: "net_vat",
				},
			},
			{
				ID:       "large-trader",
				Name:     "Flag large traders for review",
				Priority: 0,
				Condition: domain.ConditionNode{
					Type:     domain.ConditionComparison,
					Field:    "sales.total",
					Operator: domain.OpGt,
					Value:    150000.0,
				},
				Action: domain.ActionSpec{
					Type: domain.ActionFlag,
					Flag: "large-trader-review",
				},
			},
		},
		Calculations: []domain.Calculation{
			{
				ID:           "output_vat",
				Formula:      "(sales.total - sales.exports) * standard_rate",
				Dependencies: []string{"sales.total", "sales.exports"},
				Rounding:     &domain.RoundingPolicy{Method: domain.RoundHalfUp, DecimalPlaces: 2},
			},
			{
				ID:           "input_vat",
				Formula:      "purchases.total * standard_rate",
				Dependencies: []string{"purchases.total"},
				Rounding:     &domain.RoundingPolicy{Method: domain.RoundHalfUp, DecimalPlaces: 2},
			},
			{
				ID:           "net_vat",
				Formula:      "output_vat - input_vat",
				Dependencies: []string{"output_vat", "input_vat"},
				Rounding:     &domain.RoundingPolicy{Method: domain.RoundHalfUp, DecimalPlaces: 2},
			},
		},
		Thresholds: []domain.Threshold{
			{Name: "standard_rate", Value: 0.2},
		},
	}
}
