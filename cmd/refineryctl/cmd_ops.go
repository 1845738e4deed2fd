package main

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/refineryhq/refinery/internal/audit"
	"github.com/refineryhq/refinery/internal/models"
)

func runCommitList(cmd *cobra.Command, args []string) {
	q := url.Values{}
	if filterTarget != "" {
		q.Set("target", filterTarget)
	}
	if rolledBackOnly {
		q.Set("rolledBack", "true")
	}
	if filterLimit > 0 {
		q.Set("limit", strconv.Itoa(filterLimit))
	}
	body := newClient().mustGet("/v1/commits" + query(q))
	if jsonOut {
		printJSON(body)
		return
	}
	var commits []models.Commit
	mustUnmarshal(body, &commits)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTARGET\tVERSIONS\tROLLED BACK\tCREATED")
	for _, c := range commits {
		fmt.Fprintf(tw, "%s\t%s\t%s -> %s\t%v\t%s\n",
			c.ID, c.TargetID, c.FromVersion, c.ToVersion, c.RolledBack, c.CreatedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func runCommitShow(cmd *cobra.Command, args []string) {
	body := newClient().mustGet("/v1/commits/" + args[0])
	if jsonOut {
		printJSON(body)
		return
	}
	var c models.Commit
	mustUnmarshal(body, &c)
	fmt.Printf("commit %s on %s: %s -> %s\n", short(c.ID), c.TargetID, c.FromVersion, c.ToVersion)
	fmt.Printf("  archive:  %s (%s)\n", c.ArchiveKey, truncate(c.ArchiveDigest, 19))
	fmt.Printf("  proposal: %s\n", short(c.ProposalID))
	for id, score := range c.BenchmarkScores {
		fmt.Printf("  score:    %s = %.2f\n", id, score)
	}
	if c.RolledBack {
		fmt.Printf("  rolled back: %s\n", c.RollbackReason)
	}
}

func runRollback(cmd *cobra.Command, args []string) {
	if rollbackReason == "" {
		log.Fatalf("--reason is required")
	}
	body := newClient().mustPost("/v1/commits/"+args[0]+"/rollback", map[string]interface{}{
		"reason": rollbackReason,
	})
	if jsonOut {
		printJSON(body)
		return
	}
	var c models.Commit
	mustUnmarshal(body, &c)
	fmt.Printf("rolled back commit %s on %s (%s restored)\n", short(c.ID), c.TargetID, c.FromVersion)
}

func runWindowList(cmd *cobra.Command, args []string) {
	q := url.Values{}
	if filterTarget != "" {
		q.Set("target", filterTarget)
	}
	if filterStatus != "" {
		q.Set("status", filterStatus)
	}
	body := newClient().mustGet("/v1/windows" + query(q))
	if jsonOut {
		printJSON(body)
		return
	}
	var windows []models.MonitoringWindow
	mustUnmarshal(body, &windows)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTARGET\tSTATUS\tALERTS\tEXPIRES\tNEXT CHECK")
	for _, w := range windows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			short(w.ID), w.TargetID, w.Status, len(w.Alerts),
			w.ExpiresAt.Format(time.RFC3339), w.NextCheckAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func runAuditList(cmd *cobra.Command, args []string) {
	q := url.Values{}
	if auditKey != "" {
		q.Set("key", auditKey)
	}
	if auditEvent != "" {
		q.Set("event", auditEvent)
	}
	if filterLimit > 0 {
		q.Set("limit", strconv.Itoa(filterLimit))
	}
	body := newClient().mustGet("/v1/audit/entries" + query(q))
	if jsonOut {
		printJSON(body)
		return
	}
	var entries []audit.Entry
	mustUnmarshal(body, &entries)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKEY\tEVENT\tTS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Key, e.EventType, e.Ts.Format(time.RFC3339))
	}
	tw.Flush()
}

func runAuditShow(cmd *cobra.Command, args []string) {
	// The whole point of an audit entry is its sealed envelope, so always
	// print it as JSON.
	printJSON(newClient().mustGet("/v1/audit/entries/" + args[0]))
}
