// ABOUTME: Definition management subcommands: apply, list, show, and delete.
// ABOUTME: Operate directly on the local SQLite store and never contact the model endpoint.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/2389-research/stepwise/pipeline"
	"github.com/2389-research/stepwise/report"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

func newApplyCmd(opts *rootOptions) *cobra.Command {
	var (
		file string
		id   string
	)
	cmd := &cobra.Command{
		Use:   "apply -f pipeline.yaml",
		Short: "Create a pipeline from a YAML definition, or redefine one with --id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := pipeline.LoadDefinitionFile(file)
			if err != nil {
				return err
			}
			st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			var p *pipeline.Pipeline
			if id != "" {
				if p, err = st.Redefine(ctx, id, def); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "redefined pipeline %s (%s, %d steps)\n", p.ID, p.Name, len(p.Steps))
				return nil
			}

			if err := def.Validate(); err != nil {
				return err
			}
			p = def.NewPipeline(time.Now().UTC())
			if err := st.Create(ctx, p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created pipeline %s (%s, %d steps)\n", p.ID, p.Name, len(p.Steps))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Pipeline definition file (YAML or JSON)")
	cmd.Flags().StringVar(&id, "id", "", "Replace the definition of an existing pipeline")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pipelines, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			list, err := st.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pipelines")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), pipelineTable(list))
			return nil
		},
	}
}

func pipelineTable(list []*pipeline.Pipeline) string {
	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)

	rows := make([][]string, 0, len(list))
	for _, p := range list {
		rows = append(rows, []string{
			p.ID,
			p.Name,
			string(p.Status),
			strconv.Itoa(len(p.Steps)),
			p.UpdatedAt.Local().Format(time.DateTime),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		}).
		Headers("ID", "NAME", "STATUS", "STEPS", "UPDATED").
		Rows(rows...)
	return t.String()
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show <pipeline-id>",
		Short: "Print a pipeline as a Markdown report, its YAML definition, JSON, or HTML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			p, err := st.GetPipelineWithSteps(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writePipeline(cmd.OutOrStdout(), p, format)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "markdown", "Output format: markdown, yaml, json, html")
	return cmd
}

func writePipeline(w io.Writer, p *pipeline.Pipeline, format string) error {
	switch format {
	case "markdown", "md":
		_, err := io.WriteString(w, report.Markdown(p))
		return err
	case "yaml":
		data, err := pipeline.DefinitionOf(p).YAML()
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	case "html":
		return report.HTML(w, p)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <pipeline-id>",
		Short: "Delete a pipeline and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted pipeline %s\n", args[0])
			return nil
		},
	}
}
