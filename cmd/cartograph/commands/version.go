package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/stratoform/cartograph/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the cartograph version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cartograph %s (%s/%s)\n", version.Current, runtime.GOOS, runtime.GOARCH)
	},
}
