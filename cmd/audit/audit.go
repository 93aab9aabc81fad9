// Package audit contains the command that checks a subtree for self references and
// relationship cycles.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jinglear/jingle/cmd/util"
	"github.com/jinglear/jingle/pkg/audit"
)

const (
	depthFlag  = "depth"
	outputFlag = "output"
	strictFlag = "strict"
)

// ErrFindings is returned in strict mode when the audit found anything to fix.
var ErrFindings = errors.New("audit found problems")

func NewAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit ENTITY_ID",
		Short: "Check the subtree of an entity for self references and relationship cycles",
		Long: `Mount the entity in review mode, expand its relationships and report the stored
relationships that point back at their own entity, the groups of entities that reach each other
through relationships and the relationships that failed to load. The dot output renders the
graph that was checked, for Graphviz.`,
		Args: cobra.ExactArgs(1),
		RunE: runAudit,
	}

	flags := cmd.Flags()
	util.AddDatastoreFlags(flags)
	util.AddExpansionFlags(flags)
	util.AddObservabilityFlags(flags)

	flags.Int(depthFlag, 2, "the number of levels below the root to expand")
	flags.StringP(outputFlag, "o", "text", "the output format (one of text, json, dot)")
	flags.Bool(strictFlag, false, "exit with an error when the audit finds anything")

	cmd.PreRun = util.BindFlagsFunc(flags)

	return cmd
}

func runAudit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()

	depth, _ := flags.GetInt(depthFlag)
	output, _ := flags.GetString(outputFlag)
	strict, _ := flags.GetBool(strictFlag)

	cfg, l, ds, cleanup, err := util.Setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	root, err := ds.ReadEntity(ctx, args[0])
	if err != nil {
		return fmt.Errorf("read root entity: %w", err)
	}

	cfg.Expansion.ReviewMode = true
	report, graph, err := audit.Run(ctx, util.NewComposer(ctx, cfg, ds, l), root, depth)
	if err != nil {
		return err
	}

	if err := Print(cmd.OutOrStdout(), report, graph, output); err != nil {
		return err
	}
	if strict && !report.Clean() {
		return ErrFindings
	}
	return nil
}

// Print writes the report, or the audited graph for the dot format, to w.
func Print(w io.Writer, report audit.Report, graph *audit.Graph, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "dot":
		out, err := graph.DOT()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, out)
		return err
	case "text":
		_, err := io.WriteString(w, text(report))
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func text(r audit.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d entities, %d relationships, depth %d\n",
		util.Styles.Title.Render("audit of "+r.Root+":"), r.Entities, r.Relationships, r.Depth)

	if r.Clean() {
		b.WriteString("no problems found\n")
		return b.String()
	}
	for _, ref := range r.SelfReferences {
		fmt.Fprintf(&b, "%s %s -[%s]-> itself\n", util.Styles.Warning.Render("self reference:"), ref.StartID, ref.RelType)
	}
	for _, cycle := range r.Cycles {
		fmt.Fprintf(&b, "%s %s\n", util.Styles.Warning.Render("cycle:"), strings.Join(cycle, ", "))
	}
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "%s %s %s: %s\n", util.Styles.Error.Render("failed:"), f.EntityID, f.Key, f.Error)
	}
	return b.String()
}
