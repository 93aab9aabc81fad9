// Package expand contains the command that mounts an entity and prints its relationship tree.
package expand

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss/tree"
	"github.com/spf13/cobra"

	"github.com/jinglear/jingle/cmd/util"
	"github.com/jinglear/jingle/pkg/expansion"
)

const (
	depthFlag  = "depth"
	outputFlag = "output"
	setFlag    = "set"
	commitFlag = "commit"
)

func NewExpandCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expand ENTITY_ID",
		Short: "Print the relationship tree of an entity",
		Long: `Mount the entity, expand its relationships level by level and print the tree.

Relationship properties of the root can be edited with --set EDGE_KEY@NAME=VALUE, where EDGE_KEY
is "<label>#<target kind>|<target id>" (e.g. 'Fabricas#factory|fabrica-1@timestamp=14'). VALUE is
read as JSON when it parses, so numbers stay numbers and null removes the property. Edits are
only written when --commit is set.`,
		Args: cobra.ExactArgs(1),
		RunE: runExpand,
	}

	flags := cmd.Flags()
	util.AddDatastoreFlags(flags)
	util.AddExpansionFlags(flags)
	util.AddObservabilityFlags(flags)

	flags.Int(depthFlag, 1, "the number of levels below the root to expand")
	flags.StringP(outputFlag, "o", "text", "the output format (one of text, json)")
	flags.StringArray(setFlag, nil, "edit a relationship property of the root (EDGE_KEY@NAME=VALUE, repeatable)")
	flags.Bool(commitFlag, false, "write the --set edits to the datastore")

	cmd.PreRun = util.BindFlagsFunc(flags)

	return cmd
}

func runExpand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()

	depth, _ := flags.GetInt(depthFlag)
	output, _ := flags.GetString(outputFlag)
	sets, _ := flags.GetStringArray(setFlag)
	commit, _ := flags.GetBool(commitFlag)

	if output != "text" && output != "json" {
		return fmt.Errorf("unknown output format %q", output)
	}
	edits, err := parseEdits(sets)
	if err != nil {
		return err
	}

	cfg, l, ds, cleanup, err := util.Setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	root, err := ds.ReadEntity(ctx, args[0])
	if err != nil {
		return fmt.Errorf("read root entity: %w", err)
	}

	composer := util.NewComposer(ctx, cfg, ds, l)
	node, err := composer.Build(ctx, root, depth)
	if err != nil {
		return err
	}
	defer node.Close()

	if len(edits) > 0 {
		for _, e := range edits {
			if err := node.Engine().SetRelationshipProperty(e.key, e.name, e.value); err != nil {
				return err
			}
		}
		if err := node.Engine().ClearUnsavedChanges(ctx, expansion.ClearOptions{Commit: commit}); err != nil {
			return err
		}
		if commit {
			if err := node.Engine().Refresh(ctx); err != nil {
				return err
			}
		}
	}

	return Print(cmd.OutOrStdout(), node.View(), output)
}

type edit struct {
	key   expansion.EdgeKey
	name  string
	value any
}

func parseEdits(sets []string) ([]edit, error) {
	edits := make([]edit, 0, len(sets))
	for _, s := range sets {
		target, raw, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --set %q: expected EDGE_KEY@NAME=VALUE", s)
		}
		at := strings.LastIndex(target, "@")
		if at <= 0 || at == len(target)-1 {
			return nil, fmt.Errorf("invalid --set %q: expected EDGE_KEY@NAME=VALUE", s)
		}

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		edits = append(edits, edit{
			key:   expansion.EdgeKey(target[:at]),
			name:  target[at+1:],
			value: value,
		})
	}
	return edits, nil
}

// Print writes v to w as an indented tree or as JSON.
func Print(w io.Writer, v expansion.NodeView, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "text":
		_, err := fmt.Fprintln(w, Tree(v).String())
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// Tree renders a node view as a lipgloss tree: one branch per relationship, one leaf
// or subtree per loaded entity.
func Tree(v expansion.NodeView) *tree.Tree {
	t := tree.Root(nodeLabel(v)).
		Enumerator(tree.RoundedEnumerator).
		EnumeratorStyle(util.Styles.Muted).
		RootStyle(util.Styles.Title)

	for _, rv := range v.Relationships {
		branch := tree.Root(relationshipLabel(rv))
		for _, item := range rv.Items {
			branch.Child(Tree(item).RootStyle(util.Styles.Bold))
		}
		t.Child(branch)
	}
	return t
}

func nodeLabel(v expansion.NodeView) string {
	return fmt.Sprintf("%s %s", v.Name, util.Styles.Muted.Render("("+v.Kind.String()+":"+v.ID+")"))
}

func relationshipLabel(rv expansion.RelationshipView) string {
	switch rv.Status {
	case expansion.StatusFailed:
		return rv.Label + " " + util.Styles.Error.Render("failed: "+rv.Error)
	case expansion.StatusLoading:
		return rv.Label + " " + util.Styles.Muted.Render("loading")
	case expansion.StatusEmpty:
		return rv.Label + " " + util.Styles.Muted.Render("(0)")
	case expansion.StatusLoaded:
		return fmt.Sprintf("%s (%d)", rv.Label, len(rv.Items))
	}

	label := rv.Label
	if rv.Count != nil {
		label = fmt.Sprintf("%s (%d)", label, *rv.Count)
	}
	if !rv.CanExpand {
		return label + " " + util.Styles.Warning.Render("max depth")
	}
	return label + " " + util.Styles.Muted.Render("+")
}
