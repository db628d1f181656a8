package main

import (
	"context"
	"fmt"
)

func (cli *commandLine) reclaim() error {
	n, err := cli.msgSvc.ReclaimPurged(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "reclaimed %d conversation(s)\n", n)
	return nil
}
