package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/jordanhubbard/tssim/internal/sim"
)

var csvHeader = []string{
	"theta_a", "theta_b", "universe", "nth_user",
	"b_is_better", "alpha_a", "beta_a", "alpha_b", "beta_b",
}

func checkFormat(out string) error {
	switch out {
	case "csv", "json":
		return nil
	}
	return fmt.Errorf("unknown output format %q (want csv or json)", out)
}

// writeRecords prints records as one CSV row per user, or as a JSON object
// holding the records and the summary statistics.
func writeRecords(w io.Writer, format string, records []sim.Record, stats any) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"records": records,
			"stats":   stats,
		})
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for _, rec := range records {
		for i := range rec.NthUser {
			row := []string{
				f(rec.ThetaA), f(rec.ThetaB), strconv.Itoa(rec.Universe), strconv.Itoa(rec.NthUser[i]),
				f(rec.BIsBetter[i]), f(rec.AlphaA[i]), f(rec.BetaA[i]), f(rec.AlphaB[i]), f(rec.BetaB[i]),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
