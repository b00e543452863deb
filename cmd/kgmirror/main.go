// Command kgmirror ingests knowledge-graph dumps into the relational mirror.
//
//	kgmirror run --key latest-all.json.bz2
//	kgmirror import entities --dump-id <id>
//	kgmirror gc
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "kgmirror:", err)
		exitFunc(1)
	}
}
