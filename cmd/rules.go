package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/truth-pipeline/internal/domain/finance"
	"github.com/sells-group/truth-pipeline/internal/validation"
)

// ruleView is the listing form of a registered rule.
type ruleView struct {
	ID          string `json:"id"`
	EntityType  string `json:"entity_type"`
	Field       string `json:"field"`
	Priority    int    `json:"priority"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// ruleViews lists the rules of set, optionally only those of entity.
func ruleViews(set *validation.RuleSet, entity string) []ruleView {
	out := []ruleView{}
	for _, r := range set.All() {
		if entity != "" && r.EntityType != entity {
			continue
		}
		out = append(out, ruleView{
			ID:          r.ID,
			EntityType:  r.EntityType,
			Field:       r.Field,
			Priority:    r.Priority,
			Required:    r.Required,
			Description: r.Description,
		})
	}
	return out
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect validation rules",
}

var (
	rulesEntity string
	rulesFile   string
	rulesJSON   bool
)

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the built-in rules plus those of the configured rule file",
	RunE: func(cmd *cobra.Command, args []string) error {
		file := cfg.Rules.File
		if rulesFile != "" {
			file = rulesFile
		}
		engine, err := finance.NewEngine(file)
		if err != nil {
			return err
		}

		views := ruleViews(engine.Registry().Snapshot(), rulesEntity)
		if rulesJSON {
			return printJSON(cmd, views)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tENTITY\tFIELD\tPRIORITY\tREQUIRED\tDESCRIPTION") //nolint:errcheck
		for _, v := range views {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\n", v.ID, v.EntityType, v.Field, v.Priority, v.Required, v.Description) //nolint:errcheck
		}
		return tw.Flush()
	},
}

func init() {
	rulesListCmd.Flags().StringVar(&rulesEntity, "entity", "", "only rules of this entity type")
	rulesListCmd.Flags().StringVar(&rulesFile, "file", "", "rule file to load (default from config)")
	rulesListCmd.Flags().BoolVar(&rulesJSON, "json", false, "print JSON instead of a table")
	rulesCmd.AddCommand(rulesListCmd)
	rootCmd.AddCommand(rulesCmd)
}
