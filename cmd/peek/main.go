// peek tails the cross-instance bridge stream and pretty-prints every
// republished broadcast. Debugging aid for multi-node deployments.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/convoline/relay-go/internal/bridge"
)

func main() {
	var (
		addr   = flag.String("addr", "localhost:6379", "redis address")
		db     = flag.Int("db", 0, "redis database")
		stream = flag.String("stream", "relay:broadcast", "bridge stream name")
		from   = flag.String("from", "$", "start id ($ = only new entries)")
	)
	flag.Parse()

	cli := redis.NewClient(&redis.Options{Addr: *addr, DB: *db})
	defer cli.Close()

	ctx := context.Background()
	lastID := *from
	for {
		res, err := cli.XRead(ctx, &redis.XReadArgs{
			Streams: []string{*stream, lastID},
			Count:   100,
			Block:   5 * time.Second,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "read error: %v\n", err)
			os.Exit(1)
		}
		for _, str := range res {
			for _, msg := range str.Messages {
				lastID = msg.ID
				raw, _ := msg.Values["data"].(string)
				var ev bridge.Event
				if err := json.Unmarshal([]byte(raw), &ev); err != nil {
					fmt.Fprintf(os.Stderr, "decode error at %s: %v\n", msg.ID, err)
					continue
				}
				fmt.Printf("%s node=%s group=%s", msg.ID, ev.Node, ev.GroupID)
				if ev.Envelope != nil {
					fmt.Printf(" type=%s id=%s payload=%s", ev.Envelope.Type, ev.Envelope.ID, string(ev.Envelope.Payload))
				}
				fmt.Println()
			}
		}
	}
}
