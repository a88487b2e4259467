package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ghalamif/AegisBridge"
)

func main() {
	flow, err := aegisbridge.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sink, messages, closeMessages := aegisbridge.NewChannelSink("fanout", 32)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fanoutWorker("ingest", messages)
	}()

	err = flow.Run(ctx, aegisbridge.StreamOutSink(sink))
	closeMessages()
	<-done
	if err != nil {
		log.Fatalf("runtime error: %v", err)
	}
}

func fanoutWorker(name string, messages <-chan aegisbridge.Message) {
	for msg := range messages {
		fmt.Printf("[%s] %s: %d bytes at %s\n", name, msg.Topic, len(msg.Payload), time.Now().Format(time.RFC3339))
	}
}
