// cmd/chordreduce-client is the CLI entry point built with Cobra, the
// submission-side counterpart to client/client.py's run_client: it reads
// a newline-delimited input file, stages a named kernel job with a
// request-handler node, and prints the results once the Master calls back.
//
// Usage:
//
//	mrcli run wordcount input.txt --request-handler 10.0.0.4:8008 --self 10.0.0.9:9000
//	mrcli kernels
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"chordreduce/internal/kernel"
	"chordreduce/internal/mrclient"
	"chordreduce/internal/netutil"

	"github.com/spf13/cobra"
)

var (
	requestHandler string
	selfAddr       string
	timeout        time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "mrcli",
		Short: "CLI client for submitting MapReduce jobs",
	}

	root.PersistentFlags().StringVar(&requestHandler, "request-handler", "localhost:8008",
		"address of a ring node accepting job submissions")
	root.PersistentFlags().StringVar(&selfAddr, "self", "",
		"address this process listens on for the result callback (defaults to an auto-detected LAN IP on port 9100)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute,
		"how long to wait for results before giving up")

	root.AddCommand(runCmd(), kernelsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <kernel> <input-file>",
		Short: "Submit a job and wait for its results",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kernelName, inputPath := args[0], args[1]
			if err := kernel.Validate(kernelName); err != nil {
				return err
			}

			data, err := readLines(inputPath)
			if err != nil {
				return fmt.Errorf("reading %s: %w", inputPath, err)
			}

			self := selfAddr
			if self == "" {
				addr, err := netutil.AdvertiseAddr("", "9100")
				if err != nil {
					return err
				}
				self = addr
			}

			c := mrclient.New(self, requestHandler, timeout)
			defer c.Close()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			if err := c.Startup(ctx, kernelName, data); err != nil {
				return fmt.Errorf("starting job: %w", err)
			}

			results, err := c.AwaitResults(ctx)
			if err != nil {
				return fmt.Errorf("awaiting results: %w", err)
			}

			for _, kv := range results {
				fmt.Printf("%s\t%s\n", kv.Key, kv.Value)
			}
			return nil
		},
	}
}

func kernelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kernels",
		Short: "List available kernel names",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range kernel.Names() {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
