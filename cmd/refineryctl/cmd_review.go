package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/refineryhq/refinery/internal/models"
)

func runReviewList(cmd *cobra.Command, args []string) {
	q := url.Values{}
	if filterStatus != "" {
		q.Set("status", filterStatus)
	}
	if filterTarget != "" {
		q.Set("target", filterTarget)
	}
	body := newClient().mustGet("/v1/reviews" + query(q))
	if jsonOut {
		printJSON(body)
		return
	}
	var reviews []models.PendingReview
	mustUnmarshal(body, &reviews)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTARGET\tGATES\tSTATUS\tCREATED")
	for _, rev := range reviews {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			rev.ID, rev.TargetID, strings.Join(rev.Gates, ","), rev.Status, rev.CreatedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func runReviewShow(cmd *cobra.Command, args []string) {
	body := newClient().mustGet("/v1/reviews/" + args[0])
	if jsonOut {
		printJSON(body)
		return
	}
	var rev models.PendingReview
	mustUnmarshal(body, &rev)
	fmt.Printf("review %s on %s: %s\n", rev.ID, rev.TargetID, rev.Status)
	fmt.Printf("  gates:    %s\n", strings.Join(rev.Gates, ", "))
	fmt.Printf("  cycle:    %s\n", short(rev.CycleID))
	fmt.Printf("  proposal: %s\n", short(rev.ProposalID))
	if rev.DecidedBy != "" {
		fmt.Printf("  decided:  %s by %s\n", rev.Status, rev.DecidedBy)
	}
	if rev.Note != "" {
		fmt.Printf("  note:     %s\n", rev.Note)
	}
}

func runReviewApprove(cmd *cobra.Command, args []string) {
	resolveReview(args[0], "approve")
}

func runReviewDeny(cmd *cobra.Command, args []string) {
	resolveReview(args[0], "deny")
}

func resolveReview(id, verb string) {
	body := newClient().mustPost("/v1/reviews/"+id+"/"+verb, map[string]interface{}{
		"note": reviewNote,
	})
	if jsonOut {
		printJSON(body)
		return
	}
	var out struct {
		Review models.PendingReview `json:"review"`
		Cycle  models.Cycle         `json:"cycle"`
	}
	mustUnmarshal(body, &out)
	fmt.Printf("review %s: %s by %s\n", out.Review.ID, out.Review.Status, out.Review.DecidedBy)
	printCycle(out.Cycle)
}
