// Command sntable works with ServiceNow tables from the command line.
//
// # Usage
//
//	sntable list incident --fields number,short_description --query active=true
//	sntable get incident 9d385017c611228701d22104cc95c371
//	sntable get-by-number incident INC0010001
//	sntable create incident --data '{"short_description":"disk full"}'
//	sntable update incident <sys_id> --data @patch.json
//	sntable replace incident <sys_id> --data @record.json
//	sntable delete incident <sys_id>
//	sntable export --config config.yaml [--once]
//	sntable apply --config config.yaml
//
// Connection settings come from flags, then SNTABLE_* environment
// variables (SNTABLE_INSTANCE, SNTABLE_USER, SNTABLE_PASSWORD, ...), then
// the servicenow section of the --config file. A .env file in the working
// directory is loaded first.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
