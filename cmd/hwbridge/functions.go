package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var functionsCmd = &cobra.Command{
	Use:   "functions",
	Short: "Print the function table sent to the MCU",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := loadForInspection(path)
		if err != nil {
			return err
		}
		table, err := cfg.FunctionTable()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCODE\tFRAMES\tDESCRIPTION")
		for _, fn := range table.Functions() {
			fmt.Fprintf(w, "%s\t%q\t%d\t%s\n", fn.Name, fn.Code, fn.Frames, fn.Description)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(functionsCmd)
	functionsCmd.Flags().String("config", "", "YAML config file")
}
