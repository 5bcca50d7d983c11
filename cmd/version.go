package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/openbinder/openbinder/internal/build"
)

// NewVersionCommand returns the command to get the openbinder version
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the OpenBinder version",
		Long:  "Return the OpenBinder version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(_ *cobra.Command, _ []string) error {
	log.Printf("OpenBinder Version %s Date %s Commit %s", build.Version, build.Date, build.Commit)
	return nil
}
