package main

import (
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/hostmem/memutils"
	"github.com/vkngwrapper/hostmem/memutils/fragment"
)

var requirementsPageSize uint64

func init() {
	rootCmd.AddCommand(newRequirementsCmd())
}

func newRequirementsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requirements <ptr> <size>",
		Short: "Show the page-aligned fragments a region is split into",
		Long: `The requirements command prints the leading, middle and trailing fragments that
cover a region, along with the total page span.

Example:
  hostmemctl requirements 0x1001 0x9fff
  hostmemctl requirements --page-size 65536 0x10800 4096`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequirements(cmd.OutOrStdout(), args, uintptr(requirementsPageSize))
		},
	}

	cmd.Flags().Uint64Var(&requirementsPageSize, "page-size", 4096, "Page size fragments are aligned to")
	return cmd
}

func runRequirements(out io.Writer, args []string, pageSize uintptr) error {
	ptr, err := parseAddress(args[0], "pointer")
	if err != nil {
		return err
	}
	size, err := parseAddress(args[1], "size")
	if err != nil {
		return err
	}

	err = memutils.CheckPow2(pageSize, "--page-size")
	if err != nil {
		return err
	}
	if size == 0 {
		return errors.New("size must be greater than 0")
	}
	if end := ptr + size; end < ptr || memutils.AlignUp(end, pageSize) < end {
		return errors.Newf("region at %#x of size %#x overflows the address space", ptr, size)
	}

	reqs := fragment.ComputeRequirements(ptr, size, pageSize)

	table := tablewriter.NewTable(out, tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{
		Settings: tw.Settings{Separators: tw.Separators{BetweenRows: tw.On}},
	})))
	table.Header([]string{"POSITION", "ADDRESS", "END", "SIZE", "PAGES"})

	for _, req := range reqs.Slice() {
		err = table.Append([]string{
			req.Position.String(),
			fmt.Sprintf("%#x", req.Address),
			fmt.Sprintf("%#x", req.Address+req.Size),
			fmt.Sprintf("%#x", req.Size),
			fmt.Sprintf("%d", req.Size/pageSize),
		})
		if err != nil {
			return err
		}
	}

	err = table.Render()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%d fragment(s) spanning %#x bytes\n", reqs.FragmentCount, reqs.TotalSize)
	return nil
}
