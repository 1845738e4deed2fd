package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/refineryhq/refinery/internal/models"
)

func runCycleRun(cmd *cobra.Command, args []string) {
	body := newClient().mustPost("/v1/cycles", map[string]interface{}{
		"targetId": args[0],
		"goal":     cycleGoal,
	})
	if jsonOut {
		printJSON(body)
		return
	}
	var c models.Cycle
	mustUnmarshal(body, &c)
	printCycle(c)
}

func runCycleList(cmd *cobra.Command, args []string) {
	q := url.Values{}
	if filterTarget != "" {
		q.Set("target", filterTarget)
	}
	if filterLimit > 0 {
		q.Set("limit", strconv.Itoa(filterLimit))
	}
	body := newClient().mustGet("/v1/cycles" + query(q))
	if jsonOut {
		printJSON(body)
		return
	}
	var cycles []models.Cycle
	mustUnmarshal(body, &cycles)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTARGET\tRESULT\tREASON\tSTARTED")
	for _, c := range cycles {
		result := string(c.Result)
		if result == "" {
			result = "IN_FLIGHT"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			short(c.ID), c.TargetID, result, truncate(c.Reason, 48), c.StartedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func runCycleShow(cmd *cobra.Command, args []string) {
	body := newClient().mustGet("/v1/cycles/" + args[0])
	if jsonOut {
		printJSON(body)
		return
	}
	var c models.Cycle
	mustUnmarshal(body, &c)
	printCycle(c)
}

func printCycle(c models.Cycle) {
	result := string(c.Result)
	if result == "" {
		result = "IN_FLIGHT"
	}
	fmt.Printf("cycle %s on %s: %s\n", short(c.ID), c.TargetID, result)
	if c.Goal != "" {
		fmt.Printf("  goal:     %s\n", c.Goal)
	}
	if c.Reason != "" {
		fmt.Printf("  reason:   %s\n", c.Reason)
	}
	fmt.Printf("  proposal: %s\n", shortPtr(c.ProposalID))
	fmt.Printf("  commit:   %s\n", shortPtr(c.CommitID))
	fmt.Printf("  started:  %s\n", c.StartedAt.Format(time.RFC3339))
	if c.FinishedAt != nil {
		fmt.Printf("  finished: %s\n", c.FinishedAt.Format(time.RFC3339))
	}
}
