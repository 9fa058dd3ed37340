// main.go - Host-CLI fuer die ggcore-Bibliothek
//
// Die Kernbibliothek exponiert selbst kein CLI; dieses Binary ist der
// "Host", der sie treibt: `dump` liest einen GGUF-Container und zeigt
// KV-Metadaten und Tensor-Verzeichnis, `plan` baut einen Beispielgraphen
// und zeigt die Scheduling-Entscheidungen des Planers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := NewCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewCLI builds the root command with all subcommands attached.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "ggcoreutil",
		Short:         "Inspect GGUF containers and graph plans",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.AddCommand(
		newDumpCmd(),
		newPlanCmd(),
	)
	return rootCmd
}
