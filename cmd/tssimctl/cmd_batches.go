package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/tssim/internal/store"
)

// baseURL returns the server URL from $TSSIM_URL.
func baseURL() string {
	if u := os.Getenv("TSSIM_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

func newBatchesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batches",
		Short: "List batches stored on a tssim server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			batches, err := fetchBatches(baseURL(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tUSERS\tREPS\tTHETA_A\tTHETA_B\tRUNS\tCREATED")
			for _, b := range batches {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%g\t%g\t%d/%d\t%s\n",
					b.ID, b.Status, b.Users, b.Reps, b.ThetaA, b.ThetaB,
					b.CompletedRuns, b.Reps, b.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 50, "Maximum number of batches")
	return cmd
}

func fetchBatches(base string, limit int) ([]store.BatchRecord, error) {
	var body struct {
		Batches []store.BatchRecord `json:"batches"`
	}
	if err := getJSON(fmt.Sprintf("%s/v1/batches?limit=%d", base, limit), &body); err != nil {
		return nil, err
	}
	return body.Batches, nil
}

// getJSON fetches url and decodes a 200 response into out. Other statuses
// are returned as errors carrying the server's message.
func getJSON(url string, out any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
