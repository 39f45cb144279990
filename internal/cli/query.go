package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/docrag/backend/internal/evaluation"
	"github.com/docrag/backend/internal/query"
	"github.com/docrag/backend/internal/vector"
)

func newQueryCmd(a *app) *cobra.Command {
	var (
		k         int
		documents []string
		title     string
	)

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Retrieve the fragments nearest to a query",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.Flags().IntVarP(&k, "top-k", "k", 0, "number of fragments (0 uses the configured default)")
	cmd.Flags().StringArrayVar(&documents, "document", nil, "restrict to a document id; repeatable")
	cmd.Flags().StringVar(&title, "title", "", "restrict to documents with this title")

	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		req := query.Request{Query: strings.Join(args, " "), K: k}
		if len(documents) > 0 || title != "" {
			req.Filter = &vector.Filter{DocumentIDs: documents, Title: title}
		}

		engine := a.components.Engine
		resp, err := engine.Retrieve(cmd.Context(), req)
		engine.Flush()
		if err != nil {
			return err
		}

		if a.jsonOutput {
			return a.printJSON(cmd, resp)
		}
		if len(resp.Results) == 0 {
			cmd.Println("No results found.")
			return nil
		}
		for _, r := range resp.Results {
			cmd.Printf("  [%d] %.3f  %s (%s, pages %d-%d)\n",
				r.Rank, r.Similarity, r.Metadata.DocumentTitle, r.FragmentID, r.Metadata.PageStart, r.Metadata.PageEnd)
			cmd.Printf("      %s\n\n", snippet(r.Text, 200))
		}
		cmd.Printf("%d result(s) in %s\n", len(resp.Results), resp.TotalTime)
		return nil
	})
	return cmd
}

func newEvalCmd(a *app) *cobra.Command {
	var k int

	cmd := &cobra.Command{
		Use:   "eval <dataset.json>",
		Short: "Score retrieval hit rate and MRR against a labelled dataset",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().IntVarP(&k, "top-k", "k", 5, "cutoff for hit rate and MRR")

	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read dataset: %w", err)
		}
		dataset, err := evaluation.LoadDatasetFromJSON(data)
		if err != nil {
			return err
		}

		report, err := evaluation.NewEvaluator(a.components.Engine, k).Run(cmd.Context(), dataset)
		a.components.Engine.Flush()
		if err != nil {
			return err
		}
		if a.jsonOutput {
			return a.printJSON(cmd, report)
		}
		cmd.Print(evaluation.GenerateReport(report))
		return nil
	})
	return cmd
}

func snippet(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	return string(r[:max]) + "..."
}
