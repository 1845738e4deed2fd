package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	apiAddr  string
	apiToken string
	jsonOut  bool

	targetCategory string
	targetVersion  string
	targetFrozen   bool

	cycleGoal string

	filterTarget string
	filterStatus string
	filterLimit  int

	reviewNote     string
	rollbackReason string
	rolledBackOnly bool

	auditKey   string
	auditEvent string

	rootCmd = &cobra.Command{
		Use:   "refineryctl",
		Short: "CLI for the refinery improvement pipeline",
		Long: `refineryctl drives a running refinery service over its HTTP API:
register targets, run improvement cycles, work the human review queue, and
inspect commits, monitoring windows and the audit log.`,
	}

	// --- Targets ---
	targetCmd = &cobra.Command{
		Use:   "target",
		Short: "Manage improvement targets",
	}
	targetAddCmd = &cobra.Command{
		Use:   "add [id] [content-file]",
		Short: "Register a target; content comes from the file argument or stdin",
		Args:  cobra.RangeArgs(1, 2),
		Run:   runTargetAdd, // Defined in cmd_target.go
	}
	targetListCmd = &cobra.Command{
		Use:   "list",
		Short: "List targets",
		Run:   runTargetList,
	}
	targetShowCmd = &cobra.Command{
		Use:   "show [id]",
		Short: "Show one target with its content",
		Args:  cobra.ExactArgs(1),
		Run:   runTargetShow,
	}
	targetChangelogCmd = &cobra.Command{
		Use:   "changelog [id]",
		Short: "Show the version changelog of a target",
		Args:  cobra.ExactArgs(1),
		Run:   runTargetChangelog,
	}

	// --- Cycles ---
	cycleCmd = &cobra.Command{
		Use:   "cycle",
		Short: "Run and inspect improvement cycles",
	}
	cycleRunCmd = &cobra.Command{
		Use:   "run [target-id]",
		Short: "Run one improvement cycle against a target and wait for the result",
		Args:  cobra.ExactArgs(1),
		Run:   runCycleRun, // Defined in cmd_cycle.go
	}
	cycleListCmd = &cobra.Command{
		Use:   "list",
		Short: "List past cycles",
		Run:   runCycleList,
	}
	cycleShowCmd = &cobra.Command{
		Use:   "show [cycle-id]",
		Short: "Show one cycle",
		Args:  cobra.ExactArgs(1),
		Run:   runCycleShow,
	}

	// --- Reviews ---
	reviewCmd = &cobra.Command{
		Use:   "review",
		Short: "Work the human review queue",
	}
	reviewListCmd = &cobra.Command{
		Use:   "list",
		Short: "List reviews (pending ones by default)",
		Run:   runReviewList, // Defined in cmd_review.go
	}
	reviewShowCmd = &cobra.Command{
		Use:   "show [review-id]",
		Short: "Show one review",
		Args:  cobra.ExactArgs(1),
		Run:   runReviewShow,
	}
	reviewApproveCmd = &cobra.Command{
		Use:   "approve [review-id]",
		Short: "Approve a pending review; the suspended cycle commits",
		Args:  cobra.ExactArgs(1),
		Run:   runReviewApprove,
	}
	reviewDenyCmd = &cobra.Command{
		Use:   "deny [review-id]",
		Short: "Deny a pending review; the suspended cycle is rejected",
		Args:  cobra.ExactArgs(1),
		Run:   runReviewDeny,
	}

	// --- Commits / rollback ---
	commitCmd = &cobra.Command{
		Use:   "commit",
		Short: "Inspect commits",
	}
	commitListCmd = &cobra.Command{
		Use:   "list",
		Short: "List commits",
		Run:   runCommitList, // Defined in cmd_ops.go
	}
	commitShowCmd = &cobra.Command{
		Use:   "show [commit-id]",
		Short: "Show one commit",
		Args:  cobra.ExactArgs(1),
		Run:   runCommitShow,
	}
	rollbackCmd = &cobra.Command{
		Use:   "rollback [commit-id]",
		Short: "Roll back a commit, restoring the archived prior version",
		Args:  cobra.ExactArgs(1),
		Run:   runRollback,
	}

	// --- Windows / audit ---
	windowCmd = &cobra.Command{
		Use:   "window",
		Short: "Inspect monitoring windows",
	}
	windowListCmd = &cobra.Command{
		Use:   "list",
		Short: "List monitoring windows",
		Run:   runWindowList,
	}
	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Read the audit log",
	}
	auditListCmd = &cobra.Command{
		Use:   "list",
		Short: "List audit entries",
		Run:   runAuditList,
	}
	auditShowCmd = &cobra.Command{
		Use:   "show [entry-id]",
		Short: "Show one audit entry with its payload",
		Args:  cobra.ExactArgs(1),
		Run:   runAuditShow,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", envOr("REFINERY_ADDR", "http://localhost:8070"), "base URL of the refinery service")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("REFINERY_TOKEN"), "bearer token for review and rollback calls")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print raw JSON responses")

	rootCmd.AddCommand(targetCmd)
	targetCmd.AddCommand(targetAddCmd)
	targetAddCmd.Flags().StringVar(&targetCategory, "category", "", "target category (skill, agent, playbook, ...)")
	targetAddCmd.Flags().StringVar(&targetVersion, "version", "", "initial version (default 1.0.0)")
	targetAddCmd.Flags().BoolVar(&targetFrozen, "frozen", false, "register the target frozen")
	targetCmd.AddCommand(targetListCmd)
	targetListCmd.Flags().StringVar(&targetCategory, "category", "", "filter by category")
	targetListCmd.Flags().IntVar(&filterLimit, "limit", 0, "maximum rows to return")
	targetCmd.AddCommand(targetShowCmd)
	targetCmd.AddCommand(targetChangelogCmd)

	rootCmd.AddCommand(cycleCmd)
	cycleCmd.AddCommand(cycleRunCmd)
	cycleRunCmd.Flags().StringVar(&cycleGoal, "goal", "", "improvement goal passed to the proposal engine")
	cycleCmd.AddCommand(cycleListCmd)
	cycleListCmd.Flags().StringVar(&filterTarget, "target", "", "filter by target id")
	cycleListCmd.Flags().IntVar(&filterLimit, "limit", 0, "maximum rows to return")
	cycleCmd.AddCommand(cycleShowCmd)

	rootCmd.AddCommand(reviewCmd)
	reviewCmd.AddCommand(reviewListCmd)
	reviewListCmd.Flags().StringVar(&filterStatus, "status", "PENDING", "filter by status (PENDING, APPROVED, DENIED, or empty for all)")
	reviewListCmd.Flags().StringVar(&filterTarget, "target", "", "filter by target id")
	reviewCmd.AddCommand(reviewShowCmd)
	reviewCmd.AddCommand(reviewApproveCmd)
	reviewApproveCmd.Flags().StringVar(&reviewNote, "note", "", "note recorded with the decision")
	reviewCmd.AddCommand(reviewDenyCmd)
	reviewDenyCmd.Flags().StringVar(&reviewNote, "note", "", "note recorded with the decision")

	rootCmd.AddCommand(commitCmd)
	commitCmd.AddCommand(commitListCmd)
	commitListCmd.Flags().StringVar(&filterTarget, "target", "", "filter by target id")
	commitListCmd.Flags().BoolVar(&rolledBackOnly, "rolled-back", false, "only rolled back commits")
	commitListCmd.Flags().IntVar(&filterLimit, "limit", 0, "maximum rows to return")
	commitCmd.AddCommand(commitShowCmd)

	rootCmd.AddCommand(rollbackCmd)
	rollbackCmd.Flags().StringVar(&rollbackReason, "reason", "", "why the commit is being rolled back (required)")

	rootCmd.AddCommand(windowCmd)
	windowCmd.AddCommand(windowListCmd)
	windowListCmd.Flags().StringVar(&filterTarget, "target", "", "filter by target id")
	windowListCmd.Flags().StringVar(&filterStatus, "status", "", "filter by status (ACTIVE, CLOSED_CLEAN, CANCELLED_ROLLBACK)")

	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)
	auditListCmd.Flags().StringVar(&auditKey, "key", "", "filter by entry key (category/entityType/id)")
	auditListCmd.Flags().StringVar(&auditEvent, "event", "", "filter by event type")
	auditListCmd.Flags().IntVar(&filterLimit, "limit", 0, "maximum rows to return")
	auditCmd.AddCommand(auditShowCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
