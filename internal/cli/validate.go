package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/ronappleton/dagengine/internal/graph"
	"github.com/spf13/cobra"
)

func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a workflow document and print its execution order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			def, err := Validate(data, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d nodes, %d edges\n", def.Name, def.Len(), len(def.Edges))
			for i, id := range def.Order() {
				node := def.Nodes[id]
				line := fmt.Sprintf("%2d. %s [%s]", i+1, id, node.Kind)
				if preds := def.Predecessors(id); len(preds) > 0 {
					line += " after " + strings.Join(preds, ", ")
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

// Validate decodes a JSON or YAML workflow document, picking the format
// from name, and builds its graph.
func Validate(data []byte, name string) (*graph.Definition, error) {
	doc, err := graph.ParseDocument(data, graph.FormatFor(name))
	if err != nil {
		return nil, err
	}
	return doc.Definition()
}
