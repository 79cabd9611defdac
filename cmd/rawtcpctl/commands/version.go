package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/quietriver/rawtcp/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the rawtcpctl version",
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Println(appversion.Full("rawtcpctl"))
			return nil
		},
	}
}
