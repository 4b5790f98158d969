package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"evokernel/internal/audit"
	"evokernel/internal/meta"
	"evokernel/internal/objectives"
	"evokernel/internal/orchestrator"
	"evokernel/internal/patch"
	"evokernel/internal/replay"
	"evokernel/internal/sandbox"
	"evokernel/internal/zone"
)

var (
	// Global flags
	verbose   bool
	auditPath string

	// run flags
	zonesPath      string
	policyPath     string
	objectivesPath string
	rulesDir       string
	snapshotDir    string
	generations    int
	metaPeriod     int
	seed           int64

	// replay flags
	replayLast int

	// operators flags
	operatorsPath string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "evokernel",
	Short: "evoKernel - governed code-mutation kernel",
	Long: `evoKernel runs an evolutionary patch search under a constitutional
governance pipeline: whitelisted mutation zones, static capability
scanning, quota-enforced execution, multi-objective selection, and a
hash-chained audit trail.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// The sandbox child must stay silent on stdout; its only
		// output is the JSON response.
		if cmd.Name() == "sandbox-exec" {
			logger = zap.NewNop()
			return nil
		}
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd drives a full evolutionary run.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the generation loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := zone.LoadRegistry(zonesPath)
		if err != nil {
			return err
		}
		spec, err := meta.Load(policyPath)
		if err != nil {
			return err
		}
		obj, err := objectives.Load(objectivesPath)
		if err != nil {
			return err
		}
		rules, err := loadRules(rulesDir)
		if err != nil {
			return err
		}
		auditor, err := audit.Open(auditPath)
		if err != nil {
			return err
		}
		defer auditor.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		orch, err := orchestrator.New(logger, auditor, registry, spec, obj, orchestrator.Config{
			Generations: generations,
			MetaPeriod:  metaPeriod,
			Seed:        seed,
			SnapshotDir: snapshotDir,
			Rules:       rules,
		})
		if err != nil {
			return err
		}
		return orch.Run(ctx)
	},
}

// replayCmd re-validates historical snapshots.
var replayCmd = &cobra.Command{
	Use:   "replay [dir]",
	Short: "Replay snapshots and report robustness/safety",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := snapshotDir
		if len(args) == 1 {
			dir = args[0]
		}
		report, err := replay.Snapshots(replayLast, dir)
		if err != nil {
			return err
		}
		logger.Info("replay complete",
			zap.Int("snapshots", report.Replayed),
			zap.Float64("robustness", report.Robustness),
			zap.Float64("safety", report.Safety),
		)
		fmt.Printf("replayed %d snapshots: robustness=%.4f safety=%.4f\n",
			report.Replayed, report.Robustness, report.Safety)
		return nil
	},
}

// loadRules reads rewrite-rule operator source from dir: one .rule file
// per rule, keyed by file basename. A missing directory just means no
// untrusted rules are registered.
func loadRules(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rules dir: %w", err)
	}
	rules := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".rule" {
			continue
		}
		src, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read rule %s: %w", e.Name(), err)
		}
		id := strings.TrimSuffix(e.Name(), ".rule")
		rules[id] = string(src)
	}
	return rules, nil
}

// execCmd runs one operator source file under the full containment
// tier, outside any generation loop. Useful for vetting a rule before
// registering it.
var execCmd = &cobra.Command{
	Use:   "exec <file>",
	Short: "Run operator source under process isolation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		runner := sandbox.NewRunner(logger)
		result, err := runner.Run(cmd.Context(), string(src), sandbox.DefaultConfig())
		if err != nil {
			return err
		}
		fmt.Println(result)
		return nil
	},
}

// operatorsCmd lists the fixed operator set with metadata.
var operatorsCmd = &cobra.Command{
	Use:   "operators",
	Short: "List the whitelisted mutation operators",
	RunE: func(cmd *cobra.Command, args []string) error {
		descs, err := zone.LoadOperatorMeta(operatorsPath)
		if err != nil {
			return err
		}
		for _, name := range patch.KnownOperators() {
			m, ok := descs[name]
			if !ok {
				return fmt.Errorf("operator %s has no metadata entry", name)
			}
			fmt.Printf("%-14s %s\n", name, m.Description)
		}
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit trail operations",
}

// auditVerifyCmd walks the hash chain front to back.
var auditVerifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verify the audit log's hash chain",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := auditPath
		if len(args) == 1 {
			path = args[0]
		}
		res, err := audit.VerifyFile(path)
		if err != nil {
			return err
		}
		if !res.Intact {
			return fmt.Errorf("audit chain broken at line %d: %s", res.BadLine, res.Problem)
		}
		fmt.Printf("chain intact: %d records, head %s\n", res.Records, res.HeadHash)
		return nil
	},
}

// sandboxExecCmd is the hidden child entry point for the process
// isolation tier. The parent re-executes this binary with this
// subcommand and speaks JSON over stdin/stdout.
var sandboxExecCmd = &cobra.Command{
	Use:    "sandbox-exec",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		code := sandbox.ExecChild(os.Stdin, os.Stdout)
		if code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&auditPath, "audit", "audit.jsonl", "audit log path")

	runCmd.Flags().StringVar(&zonesPath, "zones", "configs/zones.yaml", "mutation zone whitelist")
	runCmd.Flags().StringVar(&policyPath, "policy", "configs/policy.yaml", "search policy spec")
	runCmd.Flags().StringVar(&objectivesPath, "objectives", "configs/objectives.yaml", "objective gate configuration")
	runCmd.Flags().StringVar(&rulesDir, "rules", "configs/rules", "rewrite-rule source directory")
	runCmd.Flags().StringVar(&snapshotDir, "snapshots", "snapshots", "snapshot output directory")
	runCmd.Flags().IntVar(&generations, "generations", 20, "number of generations")
	runCmd.Flags().IntVar(&metaPeriod, "meta-period", 5, "propose a policy mutation every N generations")
	runCmd.Flags().Int64Var(&seed, "seed", 1, "rng seed")

	replayCmd.Flags().StringVar(&snapshotDir, "snapshots", "snapshots", "snapshot directory")
	replayCmd.Flags().IntVar(&replayLast, "last", 0, "replay only the last N snapshots (0 = all)")

	operatorsCmd.Flags().StringVar(&operatorsPath, "operators", "configs/operators.yaml", "operator metadata file")

	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(runCmd, replayCmd, execCmd, operatorsCmd, auditCmd, sandboxExecCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
