package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/docrag/backend/internal/ingestion"
	"github.com/docrag/backend/internal/source/web"
	"github.com/docrag/backend/internal/storage/models"
)

func newIngestCmd(a *app) *cobra.Command {
	var (
		title  string
		urls   []string
		maxMiB int64
	)

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Upload and ingest local files or URLs",
		Long: `Stores each document and runs the full pipeline before returning.
A document that fails ingestion is kept with status failed and its error.`,
	}
	cmd.Flags().StringVar(&title, "title", "", "document title (single input only)")
	cmd.Flags().StringArrayVar(&urls, "url", nil, "fetch a document from an http(s) URL; repeatable")
	cmd.Flags().Int64Var(&maxMiB, "max-size", 50, "largest accepted document in MiB")

	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		if len(args)+len(urls) == 0 {
			return errNoInput
		}
		if title != "" && len(args)+len(urls) > 1 {
			return fmt.Errorf("--title applies to a single input")
		}

		var uploads []ingestion.Upload
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			uploads = append(uploads, ingestion.Upload{Title: title, FileName: filepath.Base(path), Data: data})
		}

		if len(urls) > 0 {
			fetcher := web.NewFetcher(time.Minute, maxMiB<<20)
			for _, u := range urls {
				remote, err := fetcher.Fetch(cmd.Context(), u)
				if err != nil {
					return fmt.Errorf("failed to fetch %s: %w", u, err)
				}
				t := title
				if t == "" {
					t = remote.Title
				}
				uploads = append(uploads, ingestion.Upload{Title: t, FileName: remote.FileName, Data: remote.Data})
			}
		}

		var docs []*models.Document
		for _, in := range uploads {
			doc, err := a.components.Orchestrator.Submit(cmd.Context(), in)
			if err != nil && doc == nil {
				return fmt.Errorf("failed to ingest %s: %w", in.FileName, err)
			}
			// Submit returns the record as uploaded; reload for the outcome
			final, err := a.components.Store.GetDocument(cmd.Context(), doc.ID)
			if err != nil {
				return err
			}
			docs = append(docs, final)
		}

		failed := 0
		for _, doc := range docs {
			if doc.Status == models.StatusFailed {
				failed++
			}
		}

		if a.jsonOutput {
			if err := a.printJSON(cmd, docs); err != nil {
				return err
			}
		} else {
			for _, doc := range docs {
				printDocument(cmd, doc)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d document(s) failed ingestion", failed, len(docs))
		}
		return nil
	})
	return cmd
}

func newDocumentsCmd(a *app) *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:     "documents",
		Aliases: []string{"ls"},
		Short:   "List documents and their ingestion status",
		Args:    cobra.NoArgs,
	}
	cmd.Flags().StringVar(&status, "status", "", "only documents with this status")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of documents")
	cmd.Flags().IntVar(&offset, "offset", 0, "documents to skip")

	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		s := models.DocumentStatus(status)
		if s != "" && !s.Valid() {
			return fmt.Errorf("unknown status %q", status)
		}

		docs, err := a.components.Store.ListDocuments(cmd.Context(), s, limit, offset)
		if err != nil {
			return err
		}
		if a.jsonOutput {
			if docs == nil {
				docs = []models.Document{}
			}
			return a.printJSON(cmd, docs)
		}
		if len(docs) == 0 {
			cmd.Println("No documents found.")
			return nil
		}
		for i := range docs {
			printDocument(cmd, &docs[i])
		}
		return nil
	})
	return cmd
}

func newReprocessCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reprocess <document-id>",
		Short: "Discard a document's fragments and ingest it again",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		if _, err := a.components.Orchestrator.Reprocess(cmd.Context(), args[0]); err != nil {
			return err
		}
		doc, err := a.components.Store.GetDocument(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if a.jsonOutput {
			return a.printJSON(cmd, doc)
		}
		printDocument(cmd, doc)
		return nil
	})
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <document-id>",
		Short: "Remove a document with its fragments, vectors and source file",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		if err := a.components.Orchestrator.DeleteDocument(cmd.Context(), args[0]); err != nil {
			return err
		}
		cmd.Printf("Deleted %s\n", args[0])
		return nil
	})
	return cmd
}

func newRecoverCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Mark documents interrupted mid-processing as failed",
		Long: `Run only while no server or worker is ingesting: every document still
in status processing is rolled back and marked failed.`,
		Args: cobra.NoArgs,
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		n, err := a.components.Orchestrator.Recover(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("Recovered %d document(s)\n", n)
		return nil
	})
	return cmd
}

func printDocument(cmd *cobra.Command, doc *models.Document) {
	cmd.Printf("%s  %-10s  %s\n", doc.ID, doc.Status, doc.Title)
	cmd.Printf("    file: %s (%d bytes, %s)  attempt %d\n", doc.FileName, doc.FileSize, doc.ContentType, doc.Attempt)
	if doc.Status == models.StatusProcessed {
		cmd.Printf("    pages: %d  fragments: %d\n", doc.PageCount, doc.TotalFragments)
	}
	for _, w := range doc.Warnings {
		cmd.Printf("    warning: %s\n", w)
	}
	if doc.ErrorMessage != "" {
		cmd.Printf("    error: %s\n", doc.ErrorMessage)
	}
}

func newCacheCmd(a *app) *cobra.Command {
	cache := &cobra.Command{
		Use:   "cache",
		Short: "Manage the redis embedding cache",
	}
	flush := &cobra.Command{
		Use:   "flush",
		Short: "Drop every cached embedding, e.g. after changing the embedding model",
		Args:  cobra.NoArgs,
	}
	flush.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		if a.components.Cache == nil {
			return fmt.Errorf("redis is not enabled")
		}
		n, err := a.components.Cache.FlushEmbeddings(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("Flushed %d cached embedding(s)\n", n)
		return nil
	})
	cache.AddCommand(flush)
	return cache
}
