package main

import (
    "fmt"
    "os"

    "github.com/spf13/cobra"

    gnscli "github.com/billhu422/GNS/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        fmt.Fprintln(os.Stderr, err)
        os.Exit(1)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "gnsctl",
        Short:         "GNS replica node and management CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    gnscli.AddAll(root)
    return root
}
