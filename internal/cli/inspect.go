package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nconklindev/sheetsplit/internal/splitter"
	"github.com/nconklindev/sheetsplit/internal/types"
)

func newInspectCommand() *cobra.Command {
	var (
		headerRow int
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "List the sheets, row counts and headers of a workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scratch, err := os.MkdirTemp("", "sheetsplit-inspect-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(scratch)

			wb, err := splitter.OpenFile(args[0], splitter.ReadOptions{HeaderRow: headerRow, Dir: scratch})
			if err != nil {
				return err
			}
			defer wb.Close()

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(wb.Sheets())
			}
			info, err := os.Stat(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n\n", wb.Name(), humanize.Bytes(uint64(info.Size())))
			return printSheets(cmd.OutOrStdout(), wb.Sheets())
		},
	}
	cmd.Flags().IntVar(&headerRow, "header-row", splitter.DefaultHeaderRow, "1-based row holding the column headers")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the inspection as JSON")
	return cmd
}

func printSheets(w io.Writer, sheets []types.SheetInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SHEET\tDATA ROWS\tHEADERS")
	for _, s := range sheets {
		headers := strings.Join(s.Headers, ", ")
		if len(s.Headers) == 0 {
			headers = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, humanize.Comma(int64(s.DataRows)), headers)
	}
	return tw.Flush()
}
