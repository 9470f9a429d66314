package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zicotrace/zico/internal/ragz"
)

func newRagzCmd() *cobra.Command {
	ragzCmd := &cobra.Command{
		Use:   "ragz",
		Short: "Inspect RAGZ chunk logs",
	}

	scanCmd := &cobra.Command{
		Use:   "scan [file]",
		Short: "List the segments of a RAGZ file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRagzScan(args[0])
		},
	}

	var offset, length int64
	catCmd := &cobra.Command{
		Use:   "cat [file]",
		Short: "Write the uncompressed content of a RAGZ file to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRagzCat(args[0], offset, length, cmd.OutOrStdout())
		},
	}
	catCmd.Flags().Int64Var(&offset, "offset", 0, "Logical offset to start at")
	catCmd.Flags().Int64Var(&length, "length", -1, "Bytes to write (-1 for all)")

	ragzCmd.AddCommand(scanCmd, catCmd)
	return ragzCmd
}

func runRagzScan(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	segs, err := ragz.Scan(f, st.Size(), 0, 0)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", path, err)
	}

	fmt.Printf("%-4s %12s %12s %12s %12s %s\n", "#", "PHYS_POS", "PHYS_LEN", "LOG_POS", "LOG_LEN", "STATE")
	var total int64
	for i, s := range segs {
		state := "finished"
		if !s.Finished {
			state = "open"
			// content length of an open segment is only known after inflating it
			if data, err := ragz.Unpack(f, s); err == nil {
				s.LogicalLen = int64(len(data))
			}
		}
		total += s.LogicalLen
		fmt.Printf("%-4d %12d %12d %12d %12d %s\n", i, s.PhysicalPos, s.PhysicalLen, s.LogicalPos, s.LogicalLen, state)
	}
	fmt.Printf("\n%d segments, %d bytes compressed, %d bytes uncompressed\n", len(segs), st.Size(), total)
	return nil
}

func runRagzCat(path string, offset, length int64, out io.Writer) error {
	r, err := ragz.OpenReader(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = r.Close() }()

	end, err := r.Length()
	if err != nil {
		return err
	}
	if length >= 0 && offset+length < end {
		end = offset + length
	}

	_, err = io.Copy(out, io.NewSectionReader(r, offset, end-offset))
	return err
}
