package main

import (
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/refineryhq/refinery/internal/models"
)

func runTargetAdd(cmd *cobra.Command, args []string) {
	if targetCategory == "" {
		log.Fatalf("--category is required")
	}
	var content []byte
	var err error
	if len(args) > 1 {
		content, err = os.ReadFile(args[1])
	} else {
		content, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		log.Fatalf("read content: %v", err)
	}
	if len(content) == 0 {
		log.Fatalf("content is empty")
	}

	body := newClient().mustPost("/v1/targets", map[string]interface{}{
		"id":       args[0],
		"category": targetCategory,
		"content":  string(content),
		"frozen":   targetFrozen,
		"version":  targetVersion,
	})
	if jsonOut {
		printJSON(body)
		return
	}
	var t models.Target
	mustUnmarshal(body, &t)
	fmt.Printf("created %s (%s) at version %s\n", t.ID, t.Category, t.CurrentVersion)
}

func runTargetList(cmd *cobra.Command, args []string) {
	q := url.Values{}
	if targetCategory != "" {
		q.Set("category", targetCategory)
	}
	if filterLimit > 0 {
		q.Set("limit", strconv.Itoa(filterLimit))
	}
	body := newClient().mustGet("/v1/targets" + query(q))
	if jsonOut {
		printJSON(body)
		return
	}
	var targets []models.Target
	mustUnmarshal(body, &targets)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY\tVERSION\tFROZEN\tAWAITING REVIEW\tUPDATED")
	for _, t := range targets {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%v\t%s\n",
			t.ID, t.Category, t.CurrentVersion, t.Frozen, t.AwaitingReview, t.UpdatedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func runTargetShow(cmd *cobra.Command, args []string) {
	body := newClient().mustGet("/v1/targets/" + args[0])
	if jsonOut {
		printJSON(body)
		return
	}
	var t models.Target
	mustUnmarshal(body, &t)
	fmt.Printf("id:        %s\n", t.ID)
	fmt.Printf("category:  %s\n", t.Category)
	fmt.Printf("version:   %s\n", t.CurrentVersion)
	fmt.Printf("frozen:    %v\n", t.Frozen)
	fmt.Printf("awaiting:  %v\n", t.AwaitingReview)
	fmt.Printf("updated:   %s\n", t.UpdatedAt.Format(time.RFC3339))
	fmt.Println()
	fmt.Println(t.Content)
}

func runTargetChangelog(cmd *cobra.Command, args []string) {
	q := url.Values{}
	q.Set("target", args[0])
	body := newClient().mustGet("/v1/changelog" + query(q))
	if jsonOut {
		printJSON(body)
		return
	}
	var records []models.ChangeRecord
	mustUnmarshal(body, &records)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tKIND\tDELTA\tSUMMARY\tCREATED")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%+.2f\t%s\t%s\n",
			rec.Version, rec.Kind, rec.Delta, truncate(rec.Summary, 60), rec.CreatedAt.Format(time.RFC3339))
	}
	tw.Flush()
}
