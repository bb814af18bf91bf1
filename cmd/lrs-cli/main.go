package main

import (
	"context"
	"lrs-analytics/cmd/lrs-cli/commands"
	"lrs-analytics/lib/util/serviceutil"
	_ "time/tzdata"
)

func main() {
	ctx, cancel := serviceutil.SignalContext(context.Background())
	defer cancel()
	commands.ExecuteContext(ctx)
}
