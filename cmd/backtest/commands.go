package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/backtest/comparison"
	"github.com/c360studio/backtest/config"
	"github.com/c360studio/backtest/diagnosis"
	"github.com/c360studio/backtest/model"
	"github.com/c360studio/backtest/refinement"
	"github.com/c360studio/backtest/result"
	"github.com/c360studio/backtest/runner"
	"github.com/c360studio/backtest/watch"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func runCmd(g *globalFlags) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "run <scenario-id>",
		Short: "Replay one scenario and store the run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				run, err := app.RunScenario(ctx, args[0], mode)
				if run != nil {
					fmt.Fprint(cmd.OutOrStdout(), app.reports.RenderRun(run))
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "Context mode (default: the scenario's category)")
	return cmd
}

func batchCmd(g *globalFlags) *cobra.Command {
	var (
		label string
		tags  []string
	)
	cmd := &cobra.Command{
		Use:   "batch <mode>",
		Short: "Replay every scenario of a mode as one labelled batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if label == "" {
				label = time.Now().UTC().Format("20060102T150405Z")
			}
			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				runs, err := app.RunBatch(ctx, args[0], label, tags)
				if len(runs) > 0 {
					fmt.Fprint(cmd.OutOrStdout(), app.reports.RenderBatch(fmt.Sprintf("%s batch %s", args[0], label), runs))
				}
				if errors.Is(err, runner.ErrMediationFailed) {
					app.logger.Warn("Batch finished with aborted scenarios", "batch", label, "error", err)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&label, "label", "l", "", "Batch label (default: UTC start time)")
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "Only scenarios carrying every tag")
	return cmd
}

func baselineCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Manage per-mode baselines",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "promote <mode> <run-id>",
			Short: "Make a stored run the baseline of its mode",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.withApp(cmd, func(ctx context.Context, app *App) error {
					run, err := app.PromoteBaseline(ctx, args[0], args[1])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Baseline for %s is now %s (overall %.3f)\n", args[0], run.ID, run.Aggregate.Overall)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "show <mode>",
			Short: "Render the baseline of a mode",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.withApp(cmd, func(ctx context.Context, app *App) error {
					run, err := app.Baseline(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Fprint(cmd.OutOrStdout(), app.reports.RenderRun(run))
					return nil
				})
			},
		},
	)
	return cmd
}

func compareCmd(g *globalFlags) *cobra.Command {
	var (
		batches  bool
		baseline bool
	)
	cmd := &cobra.Command{
		Use:   "compare <mode> [<before> <after>]",
		Short: "Compare two runs, two batches, or the baseline with the newest run",
		Long: `Compare two stored runs of one scenario (default), two labelled batches
(--batches), or the mode's baseline with the newest run of its scenario
(--baseline).`,
		Args: func(cmd *cobra.Command, args []string) error {
			if baseline {
				return cobra.ExactArgs(1)(cmd, args)
			}
			return cobra.ExactArgs(3)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				out := cmd.OutOrStdout()
				mode := args[0]

				if batches {
					rc, err := app.CompareBatches(ctx, mode, args[1], args[2])
					if err != nil {
						return err
					}
					fmt.Fprint(out, app.reports.RenderComparison(rc))
					return nil
				}

				var (
					rc     comparison.RunComparison
					deltas []comparison.TurnDelta
					err    error
				)
				if baseline {
					rc, deltas, err = app.CompareBaseline(ctx, mode)
				} else {
					rc, deltas, err = app.CompareRuns(ctx, mode, args[1], args[2])
				}
				if err != nil {
					return err
				}
				fmt.Fprint(out, app.reports.RenderComparison(rc))
				fmt.Fprint(out, "\n", app.reports.RenderTurnDeltas(rc.Scenarios[0].ScenarioID, deltas))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&batches, "batches", false, "Arguments are batch labels")
	cmd.Flags().BoolVar(&baseline, "baseline", false, "Compare the baseline with the newest run")
	cmd.MarkFlagsMutuallyExclusive("batches", "baseline")
	return cmd
}

// diagnoseTargets resolves the runs a diagnose or plan command looks at: one
// run when runID is set, otherwise the newest runs of a batch.
func diagnoseTargets(ctx context.Context, app *App, mode, batch, runID string) ([]*result.SimulationRun, error) {
	if runID != "" {
		run, err := app.LoadRun(ctx, mode, runID)
		if err != nil {
			return nil, err
		}
		return []*result.SimulationRun{run}, nil
	}
	_, runs, err := app.BatchRuns(ctx, mode, batch)
	return runs, err
}

func diagnoseCmd(g *globalFlags) *cobra.Command {
	var batch, runID, out string
	cmd := &cobra.Command{
		Use:   "diagnose <mode>",
		Short: "Ask the critic model why the weakest turns scored low",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				runs, err := diagnoseTargets(ctx, app, args[0], batch, runID)
				if err != nil {
					return err
				}
				results, err := app.Diagnose(ctx, runs)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), app.reports.RenderDiagnoses(results))
				if out != "" {
					return SaveDiagnoses(out, results)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&batch, "batch", "b", "", "Batch label (default: most recent batch)")
	cmd.Flags().StringVar(&runID, "run", "", "Diagnose a single run instead of a batch")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Also write the diagnoses as JSON")
	return cmd
}

func planCmd(g *globalFlags) *cobra.Command {
	var batch, runID, from, out string
	cmd := &cobra.Command{
		Use:   "plan [<mode>]",
		Short: "Turn diagnoses into a reviewable refinement plan",
		Long: `Build a refinement plan from saved diagnoses (--diagnoses) or by diagnosing
a mode's batch first. The plan is written to --out and rendered for review;
no instruction section is modified.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" && len(args) == 0 {
				return fmt.Errorf("a mode is required unless --diagnoses is given")
			}
			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				var results []diagnosis.DiagnosisResult
				var err error
				if from != "" {
					results, err = LoadDiagnoses(from)
				} else {
					var runs []*result.SimulationRun
					if runs, err = diagnoseTargets(ctx, app, args[0], batch, runID); err == nil {
						results, err = app.Diagnose(ctx, runs)
					}
				}
				if err != nil {
					return err
				}

				plan, err := app.Plan(ctx, results)
				if err != nil {
					return err
				}
				if err := refinement.SavePlan(out, plan); err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), refinement.RenderPlan(plan))
				fmt.Fprintf(cmd.OutOrStdout(), "\nPlan written to %s\n", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&batch, "batch", "b", "", "Batch label (default: most recent batch)")
	cmd.Flags().StringVar(&runID, "run", "", "Plan from a single run instead of a batch")
	cmd.Flags().StringVar(&from, "diagnoses", "", "Read diagnoses from this JSON file instead of calling the critic")
	cmd.Flags().StringVarP(&out, "out", "o", "plan.json", "Plan file to write")
	return cmd
}

func applyCmd(g *globalFlags) *cobra.Command {
	var planPath string
	var sections []string
	var confirm bool
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Write reviewed patches from a plan into the instruction sections",
		Long: `Apply patches from a plan file. Every section file is backed up under the
results directory before it is rewritten. Without --confirm the patched text
is only previewed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := refinement.LoadPlan(planPath)
			if err != nil {
				return err
			}

			var patches []refinement.PromptPatch
			if len(sections) == 0 {
				patches = plan.Patches
			}
			for _, id := range sections {
				patch, ok := plan.Patch(id)
				if !ok {
					return fmt.Errorf("plan %s has no patch for section %s", planPath, id)
				}
				patches = append(patches, patch)
			}
			if len(patches) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Plan has no patches.")
				return nil
			}

			out := cmd.OutOrStdout()
			if !confirm {
				for _, p := range patches {
					fmt.Fprintf(out, "--- %s (%s)\n%s\n", p.SectionID, p.File, p.Patched())
				}
				fmt.Fprintln(out, "Preview only. Re-run with --confirm to back up and write these sections.")
				return nil
			}

			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				var failed []string
				for _, p := range patches {
					backup, err := app.Apply(ctx, p)
					if err != nil {
						app.logger.Error("Patch not applied", "section", p.SectionID, "error", err)
						failed = append(failed, p.SectionID)
						continue
					}
					fmt.Fprintf(out, "Applied %s (backup: %s)\n", p.SectionID, backup)
				}
				if len(failed) > 0 {
					return fmt.Errorf("patches not applied: %s", strings.Join(failed, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&planPath, "plan", "p", "plan.json", "Plan file to read")
	cmd.Flags().StringSliceVarP(&sections, "section", "s", nil, "Only apply patches for these section ids")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Back up and write the sections")
	return cmd
}

func reportCmd(g *globalFlags) *cobra.Command {
	var batch string
	cmd := &cobra.Command{
		Use:   "report <mode> [<run-id>]",
		Short: "Render a stored run, or the newest runs of a batch",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				if len(args) == 2 {
					run, err := app.LoadRun(ctx, args[0], args[1])
					if err != nil {
						return err
					}
					fmt.Fprint(cmd.OutOrStdout(), app.reports.RenderRun(run))
					return nil
				}
				label, runs, err := app.BatchRuns(ctx, args[0], batch)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), app.reports.RenderBatch(fmt.Sprintf("%s batch %s", args[0], label), runs))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&batch, "batch", "b", "", "Batch label (default: most recent batch)")
	return cmd
}

func watchCmd(g *globalFlags) *cobra.Command {
	var against string
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch <mode>",
		Short: "Re-render the comparison as new runs land in a mode",
		Long: `Watch a mode's results directory. Whenever new run files appear, the newest
run of each scenario in the most recent batch is compared against the batch
given by --against, or against the mode's baseline when --against is empty.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := args[0]
			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				w, err := watch.New(filepath.Join(app.store.Root(), mode), debounce, app.logger)
				if err != nil {
					return err
				}
				return w.Run(ctx, func(ctx context.Context, paths []string) {
					app.logger.Info("New runs", "mode", mode, "files", len(paths))
					text, err := app.LiveComparison(ctx, mode, against)
					if err != nil {
						app.logger.Warn("Comparison not available yet", "error", err)
						return
					}
					fmt.Fprint(cmd.OutOrStdout(), text)
				})
			})
		},
	}
	cmd.Flags().StringVar(&against, "against", "", "Batch label to compare against (default: the baseline)")
	cmd.Flags().DurationVar(&debounce, "debounce", watch.DefaultDebounce, "Quiet period before re-rendering")
	return cmd
}

func configCmd(g *globalFlags) *cobra.Command {
	var out string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(newLogger(g.logLevel))
			if err != nil {
				return err
			}
			if out != "" {
				return cfg.SaveToFile(out)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	show.Flags().StringVarP(&out, "out", "o", "", "Write to this file instead of stdout")

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize configuration",
	}
	cmd.AddCommand(
		show,
		modelsCmd(g),
		&cobra.Command{
			Use:   "init",
			Short: "Create ~/.config/backtest/config.yaml with defaults if missing",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return config.NewLoader(newLogger(g.logLevel)).EnsureUserConfig()
			},
		},
	)
	return cmd
}

func modelsCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Print the model registry and each capability's fallback chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				reg := app.Registry()
				w := cmd.OutOrStdout()
				if asJSON {
					data, err := json.MarshalIndent(reg.ToConfig(), "", "  ")
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(w, string(data))
					return err
				}
				for _, c := range reg.ListCapabilities() {
					fmt.Fprintf(w, "%s: %s\n", c, describeChain(reg, reg.GetFallbackChain(c)))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the registry as JSON")
	return cmd
}

func describeChain(reg *model.Registry, chain []string) string {
	parts := make([]string, 0, len(chain))
	for _, name := range chain {
		if ep := reg.GetEndpoint(name); ep != nil {
			parts = append(parts, fmt.Sprintf("%s (%s/%s)", name, ep.Provider, ep.Model))
		} else {
			parts = append(parts, name+" (no endpoint)")
		}
	}
	return strings.Join(parts, " -> ")
}
