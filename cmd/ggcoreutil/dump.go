// dump.go - dump-Subcommand: GGUF-Metadaten und Tensor-Verzeichnis anzeigen
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ggcore/ggcore/gguf"
)

var headerStyle = lipgloss.NewStyle().Bold(true)

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump FILE",
		Short: "Show a GGUF container's metadata and tensor directory",
		Args:  cobra.ExactArgs(1),
		RunE:  dumpHandler,
	}
}

// termWidth returns the terminal width, or a conservative default when
// stdout is not a terminal (pipes, CI logs).
func termWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 120
}

func dumpHandler(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	file, err := gguf.Read(f)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%s  (gguf v%d, %d tensors, %d kv pairs)",
		args[0], file.Version, len(file.Tensors), file.KV.Len())))
	fmt.Fprintln(out)

	valueWidth := termWidth() / 2

	kvTable := tablewriter.NewWriter(out)
	kvTable.SetAlignment(tablewriter.ALIGN_LEFT)
	kvTable.SetHeader([]string{"Key", "Type", "Value"})
	for _, key := range file.KV.Keys() {
		v := file.KV.Value(key)
		kvTable.Append([]string{
			key,
			fmt.Sprintf("%T", v),
			runewidth.Truncate(fmt.Sprintf("%v", v), valueWidth, "..."),
		})
	}
	kvTable.Render()
	fmt.Fprintln(out)

	tTable := tablewriter.NewWriter(out)
	tTable.SetAlignment(tablewriter.ALIGN_LEFT)
	tTable.SetHeader([]string{"Tensor", "Type", "Shape", "Offset", "Bytes"})
	for _, t := range file.Tensors {
		dims := make([]string, 0, 4)
		for _, n := range t.Ne {
			if n > 1 || len(dims) == 0 {
				dims = append(dims, fmt.Sprint(n))
			}
		}
		tTable.Append([]string{
			runewidth.Truncate(t.Name, 48, "..."),
			t.DType.String(),
			strings.Join(dims, " x "),
			fmt.Sprint(t.Offset),
			fmt.Sprint(t.Size()),
		})
	}
	tTable.Render()
	return nil
}
