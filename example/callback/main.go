package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/AegisBridge/pkg/aegisbridge"
)

func main() {
	flow, err := aegisbridge.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	// Print a handful of envelopes instead of dialing the broker.
	flow.Config().Bridge.Iterations = 5

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callback := func(_ context.Context, msg aegisbridge.Message) error {
		fmt.Printf("%s topic=%s qos=%s %s\n",
			time.Now().Format(time.RFC3339Nano),
			msg.Topic,
			msg.Delivery,
			msg.Payload,
		)
		return nil
	}

	if err := flow.Run(ctx, aegisbridge.StreamOutCallback("stdout", callback)); err != nil {
		log.Fatalf("runtime error: %v", err)
	}
}
