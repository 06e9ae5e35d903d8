package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmcleod/sudogate/registry"
)

var rulesCategory string

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Print the effective sensitive-operation rule table",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := registry.New()
		if err != nil {
			return err
		}

		rules := reg.Rules()
		if rulesCategory != "" {
			rules = reg.ByCategory(rulesCategory)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCATEGORY\tSURFACES\tLABEL")
		for _, r := range rules {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Category, surfaceList(r), r.Label)
		}
		return w.Flush()
	},
}

func surfaceList(r registry.Rule) string {
	var surfaces []string
	if r.Interactive != nil {
		surfaces = append(surfaces, string(registry.SurfaceInteractive))
	}
	if r.Async != nil {
		surfaces = append(surfaces, string(registry.SurfaceAsyncRPC))
	}
	if r.API != nil {
		surfaces = append(surfaces, string(registry.SurfaceAPI))
	}
	return strings.Join(surfaces, ",")
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.Flags().StringVar(&rulesCategory, "category", "", "Only rules in this category")
}
