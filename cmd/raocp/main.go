package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fagan2888/risk-averse/internal/api"
	"github.com/fagan2888/risk-averse/internal/control"
	"github.com/fagan2888/risk-averse/internal/risk"
	"github.com/fagan2888/risk-averse/internal/treegen"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	outFile string
	verbose bool

	// generate flags
	horizon          int
	branchingHorizon int
	distribution     []float64

	// risk flags
	riskKind string
	alpha    float64

	// solve flags
	timeoutSec int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "raocp",
		Short: "Risk-averse optimal control toolkit",
		Long: `Command-line toolkit for multistage risk-averse optimal control:
scenario tree generation, static risk evaluation, and full problem solves.`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&outFile, "out", "o", "", "Write JSON output to file instead of stdout")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose output")

	// Subcommands
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(solveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// generateCmd builds an IID scenario tree and prints its shape
func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an IID scenario tree from a one-shot distribution",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(distribution) == 0 {
				return fmt.Errorf("--dist is required")
			}
			opts := treegen.Options{HorizonLength: horizon}
			if branchingHorizon >= 0 {
				opts.BranchingHorizon = treegen.Branching(branchingHorizon)
			}
			tr, err := treegen.FromIID(distribution, opts)
			if err != nil {
				return fmt.Errorf("failed to generate tree: %w", err)
			}

			if verbose {
				fmt.Println(tr.String())
			}
			return writeOutput(map[string]any{
				"nodes":   tr.NumNodes(),
				"stages":  tr.NumStages(),
				"horizon": tr.Horizon(),
			})
		},
	}
	cmd.Flags().IntVarP(&horizon, "horizon", "N", 3, "Number of stages after the root")
	cmd.Flags().IntVar(&branchingHorizon, "branching-horizon", -1, "Stage at which branching stops (negative = branch over the whole horizon)")
	cmd.Flags().Float64SliceVar(&distribution, "dist", nil, "One-shot outcome probabilities")
	return cmd
}

// riskCmd evaluates a static risk measure on a discrete random variable
func riskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Evaluate AVaR or EVaR of a discrete random variable",
		Long: `Reads {"p": [...], "z": [...]} from the file given as the sole argument
(or stdin when absent) and prints the risk value.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input struct {
				P []float64 `json:"p"`
				Z []float64 `json:"z"`
			}
			if err := readInput(args, &input); err != nil {
				return err
			}

			req := api.RiskRequest{Kind: riskKind, Alpha: alpha, P: input.P, Z: input.Z}
			if err := req.Validate(); err != nil {
				return err
			}

			var m risk.Measure
			var err error
			switch riskKind {
			case "evar":
				m, err = risk.NewEVaR(input.P, alpha)
			default:
				m, err = risk.NewAVaR(input.P, alpha)
			}
			if err != nil {
				return err
			}
			value, err := m.Risk(input.Z)
			if err != nil {
				return fmt.Errorf("risk evaluation failed: %w", err)
			}
			return writeOutput(map[string]any{"kind": riskKind, "alpha": alpha, "risk": value})
		},
	}
	cmd.Flags().StringVar(&riskKind, "kind", "avar", "Risk measure kind: avar or evar")
	cmd.Flags().Float64Var(&alpha, "alpha", 0.95, "Risk level in (0, 1]")
	return cmd
}

// solveCmd solves a full risk-averse control problem from a JSON file
func solveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Solve a risk-averse optimal control problem",
		Long:  `Reads a solve request (same schema as POST /v1/solve) and prints the optimal trajectory.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req api.SolveRequest
			if err := readInput(args, &req); err != nil {
				return err
			}
			if err := req.Validate(); err != nil {
				return err
			}

			tr, err := req.Tree.BuildTree()
			if err != nil {
				return fmt.Errorf("failed to build tree: %w", err)
			}
			dyn := &control.Dynamics{A: req.Dynamics.A, B: req.Dynamics.B}
			for id := 1; id < tr.NumNodes(); id++ {
				if err := tr.SetDataAtNode(id, dyn); err != nil {
					return err
				}
			}

			var family risk.Parametric
			switch req.RiskKind {
			case "evar":
				family = risk.EVaRFamily(req.Alpha)
			default:
				family = risk.AVaRFamily(req.Alpha)
			}

			ctrl, err := control.NewBuilder().
				SetScenarioTree(tr).
				SetInputBounds(req.UMin, req.UMax).
				SetParametricRiskCost(family).
				SetStageCost(req.Q, req.R).
				SetTerminalCostMatrix(req.QN).
				MakeController()
			if err != nil {
				return fmt.Errorf("failed to build controller: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
			defer cancel()

			start := time.Now()
			sol, err := ctrl.Control(ctx, req.X0)
			if err != nil {
				return fmt.Errorf("solve failed: %w", err)
			}
			if verbose {
				fmt.Printf("Solved in %v (%d iterations, %d refinement rounds)\n",
					time.Since(start).Round(time.Millisecond), sol.Iterations, sol.Refinements)
			}

			return writeOutput(api.SolveResponse{
				Objective:   sol.Objective,
				States:      sol.States,
				Inputs:      sol.Inputs,
				Iterations:  sol.Iterations,
				Refinements: sol.Refinements,
			})
		},
	}
	cmd.Flags().IntVar(&timeoutSec, "timeout", 60, "Solve timeout in seconds")
	return cmd
}

func readInput(args []string, v any) error {
	data, err := func() ([]byte, error) {
		if len(args) == 1 {
			return os.ReadFile(args[0])
		}
		return readAllStdin()
	}()
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON input: %w", err)
	}
	return nil
}

func readAllStdin() ([]byte, error) {
	info, err := os.Stdin.Stat()
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		return nil, fmt.Errorf("no input file and stdin is a terminal")
	}
	return io.ReadAll(os.Stdin)
}

func writeOutput(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if outFile != "" {
		return os.WriteFile(outFile, data, 0o644)
	}
	_, err = os.Stdout.Write(data)
	return err
}
