package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the type map",
	Long: `Parse and validate a type map document: identities, field types,
relations, connections, indexes and permission queries.`,
	Example: `  # Validate a specific document
  strata validate --types schema/types.yaml

  # Validate using config file settings
  strata validate`,
	RunE: func(cmd *cobra.Command, args []string) error {
		types, path, err := loadTypes()
		if err != nil {
			return err
		}
		if quiet {
			return nil
		}

		objects := types.Objects()
		fmt.Printf("%s is valid. Found %d object types:\n", path, len(objects))
		for _, t := range objects {
			kind := "type"
			if t.Content {
				kind = "content type"
			}
			fmt.Printf("  - %s (%s, %d fields, %d connections, %d permissions)\n",
				t.Name, kind, len(t.Fields), len(t.Connections), len(t.Permissions))
		}
		return nil
	},
}
