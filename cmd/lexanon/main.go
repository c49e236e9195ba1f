// Command lexanon anonymizes German legal text, restores originals from a
// rehydration map, and runs anonymized round trips through a generation
// service.
//
// Usage:
//
//	lexanon anonymize brief.txt --map-out brief.map.json > brief.anon.json
//	lexanon rehydrate --map brief.map.json antwort.txt
//	lexanon generate --provider primary brief.txt
//	lexanon generate --mock brief.txt
//	lexanon patterns
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/straja-ai/lexanon/internal/redact"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		redact.Logf("lexanon: %v", err)
		os.Exit(1)
	}
}
