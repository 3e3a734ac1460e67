package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/flowcron/internal/diagram"
	"github.com/rendis/flowcron/internal/graph"
	"github.com/rendis/flowcron/internal/operations"
)

var (
	startNode      string
	skipOperations bool
	diagramFormat  string
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Parse a workflow file and report errors and warnings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := parseWorkflowFile(args[0])
		if err != nil {
			return err
		}
		for _, w := range def.Warnings {
			fmt.Fprintf(cmd.OutOrStdout(), "warning: %s: %s\n", w.Path, w.Message)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok: %d nodes, start %s\n", def.Len(), def.Start)
		return nil
	},
}

var diagramCmd = &cobra.Command{
	Use:   "diagram <file>",
	Short: "Render a workflow file as Mermaid or ASCII",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := parseWorkflowFile(args[0])
		if err != nil {
			return err
		}
		model := diagram.Build(def, nil)
		switch diagramFormat {
		case "mermaid":
			fmt.Fprint(cmd.OutOrStdout(), diagram.RenderMermaid(model))
		case "ascii":
			fmt.Fprint(cmd.OutOrStdout(), diagram.RenderASCII(model))
		default:
			return fmt.Errorf("unknown format %q (mermaid, ascii)", diagramFormat)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{validateCmd, diagramCmd} {
		c.Flags().StringVar(&startNode, "start", "", "start node id (default: start_node)")
		c.Flags().BoolVar(&skipOperations, "skip-operations", false, "do not check operation keys against the built-ins")
	}
	diagramCmd.Flags().StringVarP(&diagramFormat, "format", "f", "mermaid", "output format: mermaid or ascii")
}

// parseWorkflowFile parses path without touching the store.
func parseWorkflowFile(path string) (*graph.Definition, error) {
	nodes, err := readWorkflowFile(path)
	if err != nil {
		return nil, err
	}
	var lookup *operations.Registry
	if !skipOperations {
		if lookup, err = newOperations(cfg, newLogger(cfg)); err != nil {
			return nil, err
		}
	}
	parser, err := newParser(lookup)
	if err != nil {
		return nil, err
	}
	return parser.Parse(path, "", nodes, startNode)
}
