package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/httprunner/DeviceLab/providers/adb"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List devices visible to the local adb server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := adb.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("no devices attached")
				return nil
			}
			for _, row := range rows {
				fmt.Printf("%-28s %s\n", row.Serial, row.State)
			}
			return nil
		},
	}
}
