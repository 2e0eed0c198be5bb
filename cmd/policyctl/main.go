// Command policyctl diffs policy texts and applies reviewed change records
// to local files without a running server.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/SilentHawker/AML-platform/internal/diff"
	"github.com/SilentHawker/AML-platform/internal/gitrepo"
	"github.com/SilentHawker/AML-platform/internal/ledger"
	"github.com/SilentHawker/AML-platform/internal/patch"
	"github.com/SilentHawker/AML-platform/internal/review"
)

var version = "dev"

var errUnresolved = errors.New("review has pending changes")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	format := outputText

	rootCmd := &cobra.Command{
		Use:   "policyctl",
		Short: "Diff policy documents and apply reviewed changes",
		Long: `policyctl works on local files. It diffs two policy texts, previews or
applies a review file of change records against a base text, and lists the
versions kept in a git archive directory.`,
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().VarP(&format, "output", "o", "Output format: text, json, yaml")

	rootCmd.AddCommand(newDiffCmd(&format))
	rootCmd.AddCommand(newPreviewCmd(&format))
	rootCmd.AddCommand(newFinalizeCmd(&format))
	rootCmd.AddCommand(newHistoryCmd(&format))
	return rootCmd
}

func newDiffCmd(format *outputFormat) *cobra.Command {
	var (
		mode        string
		granularity string
		semantic    bool
		maxEdits    int
	)

	cmd := &cobra.Command{
		Use:   "diff OLD NEW",
		Short: "Show the differences between two text files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := diff.ParseMode(mode)
			if err != nil {
				return err
			}
			g, err := diff.ParseGranularity(granularity)
			if err != nil {
				return err
			}
			oldText, err := readText(args[0])
			if err != nil {
				return err
			}
			newText, err := readText(args[1])
			if err != nil {
				return err
			}

			opts := []diff.Option{diff.WithGranularity(g), diff.WithMaxEditDistance(maxEdits)}
			if semantic {
				opts = append(opts, diff.WithSemanticCleanup())
			}
			res := diff.StringsWithFallback(oldText, newText, opts...)
			spans := diff.Render(res.Ops, m)
			if res.Degraded {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: edit distance ceiling exceeded, showing a line diff")
			}

			data := struct {
				Spans    []diff.Span `json:"spans" yaml:"spans"`
				Degraded bool        `json:"degraded" yaml:"degraded"`
			}{spans, res.Degraded}
			return printOutput(cmd.OutOrStdout(), *format, data, func(w io.Writer) error {
				return writeSpans(w, spans)
			})
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "combined", "Spans to show: combined, removal, addition")
	cmd.Flags().StringVar(&granularity, "granularity", "char", "Diff unit: char, grapheme, word, line")
	cmd.Flags().BoolVar(&semantic, "semantic", false, "Merge short equalities into the surrounding edits")
	cmd.Flags().IntVar(&maxEdits, "max-edits", 0, "Fall back to a line diff above this edit distance (0 = unbounded, slow on large unrelated inputs)")
	return cmd
}

type applyFlags struct {
	strategy string
	loose    bool
}

func (f *applyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.strategy, "strategy", "sweep", "Patch strategy: sweep, sequential")
	cmd.Flags().BoolVar(&f.loose, "loose", false, "Retry unmatched records with flexible whitespace")
}

func (f *applyFlags) options() (patch.Options, error) {
	strategy, err := patch.ParseStrategy(f.strategy)
	if err != nil {
		return patch.Options{}, err
	}
	return patch.Options{Strategy: strategy, LooseMatch: f.loose}, nil
}

func newPreviewCmd(format *outputFormat) *cobra.Command {
	var flags applyFlags

	cmd := &cobra.Command{
		Use:   "preview BASE REVIEW.yaml",
		Short: "Print the text a review would produce",
		Long: `Apply the accepted and modified records of a review file to BASE and print
the result. Pending and rejected records are ignored.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options()
			if err != nil {
				return err
			}
			base, r, err := loadInputs(args[0], args[1])
			if err != nil {
				return err
			}
			res := patch.ApplyWithOptions(base, r.Changes, opts)
			return printOutput(cmd.OutOrStdout(), *format, res, func(w io.Writer) error {
				if _, err := io.WriteString(w, res.Text); err != nil {
					return err
				}
				return writeSkipped(cmd.ErrOrStderr(), res)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newFinalizeCmd(format *outputFormat) *cobra.Command {
	var (
		flags   applyFlags
		outPath string
	)

	cmd := &cobra.Command{
		Use:   "finalize BASE REVIEW.yaml --out FILE",
		Short: "Apply a fully decided review and write the result",
		Long: `Apply a review file to BASE and write the result to --out. Every record
must be accepted, rejected or modified; the command refuses while any record
is pending.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options()
			if err != nil {
				return err
			}
			base, r, err := loadInputs(args[0], args[1])
			if err != nil {
				return err
			}
			if n := r.Counts().Pending; n > 0 {
				return fmt.Errorf("%w: %d of %d record(s) undecided", errUnresolved, n, len(r.Changes))
			}

			res := patch.ApplyWithOptions(base, r.Changes, opts)
			if err := os.WriteFile(outPath, []byte(res.Text), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}

			data := struct {
				Out     string          `json:"out" yaml:"out"`
				Digest  string          `json:"digest" yaml:"digest"`
				Applied []string        `json:"applied" yaml:"applied"`
				Skipped []patch.NoMatch `json:"skipped" yaml:"skipped"`
			}{outPath, ledger.Digest(res.Text), res.AppliedIDs(), res.Skipped}
			return printOutput(cmd.OutOrStdout(), *format, data, func(w io.Writer) error {
				fmt.Fprintf(w, "wrote %s (%d applied, %d skipped)\n", outPath, len(res.Applied), len(res.Skipped))
				return writeSkipped(w, res)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&outPath, "out", "", "File to write the finalized text to")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newHistoryCmd(format *outputFormat) *cobra.Command {
	var (
		archiveDir string
		policyID   string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history --archive DIR --policy ID",
		Short: "List the versions of a policy kept in a git archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := gitrepo.New(archiveDir).History(policyID, limit)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), *format, items, func(w io.Writer) error {
				rows := make([][]string, 0, len(items))
				for _, item := range items {
					rows = append(rows, []string{
						strconv.Itoa(item.Version),
						item.Hash,
						item.Author,
						item.At.UTC().Format(time.RFC3339),
						firstLine(item.Message),
					})
				}
				return writeTable(w, []string{"version", "commit", "author", "date", "message"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&archiveDir, "archive", "", "Archive directory")
	cmd.Flags().StringVar(&policyID, "policy", "", "Policy id")
	cmd.Flags().IntVar(&limit, "limit", 0, "Show at most this many versions (0 = all)")
	_ = cmd.MarkFlagRequired("archive")
	_ = cmd.MarkFlagRequired("policy")
	return cmd
}

func readText(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(b), nil
}

// loadInputs reads a base text and a review file. The review file holds a
// review document; only its changes are used.
func loadInputs(basePath, reviewPath string) (string, review.Review, error) {
	base, err := readText(basePath)
	if err != nil {
		return "", review.Review{}, err
	}
	raw, err := os.ReadFile(reviewPath)
	if err != nil {
		return "", review.Review{}, fmt.Errorf("read %s: %w", reviewPath, err)
	}
	var r review.Review
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return "", review.Review{}, fmt.Errorf("parse %s: %w", reviewPath, err)
	}
	if err := r.Validate(); err != nil {
		return "", review.Review{}, fmt.Errorf("%s: %w", reviewPath, err)
	}
	return base, r, nil
}

func writeSkipped(w io.Writer, res patch.Result) error {
	for _, s := range res.Skipped {
		if _, err := fmt.Fprintf(w, "skipped %s: %s\n", s.ID, s.Reason); err != nil {
			return err
		}
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
