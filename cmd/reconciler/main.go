package main

import (
	"context"
	"io"
	"os"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

// run executes the CLI with args. Errors are already printed by cobra.
func run(ctx context.Context, args []string, out, errOut io.Writer) error {
	a := newApp(out, errOut)
	defer a.close(context.Background())

	root := a.command()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
