package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/convoline/relay-go/internal/client"
	"github.com/convoline/relay-go/internal/command"
	"github.com/convoline/relay-go/internal/protocol"
)

func main() {
	var (
		url   = flag.String("url", "ws://localhost:8080/ws", "relay server url")
		token = flag.String("token", "", "identity token")
		group = flag.String("group", "lobby", "conversation group")
	)
	flag.Parse()

	ctl := &client.Controller{
		URL:     *url,
		Token:   *token,
		GroupID: *group,
		Backoff: client.BackoffConfig{
			Base:         time.Second,
			Max:          30 * time.Second,
			JitterFactor: 0.2,
		},
		OnEnvelope:    printEnvelope,
		OnStateChange: func(s client.State) { fmt.Printf("* %s\n", s) },
	}

	cmds := command.NewRegistry()
	if err := command.RegisterBuiltins(cmds); err != nil {
		fmt.Fprintln(os.Stderr, "command setup:", err)
		os.Exit(1)
	}
	if err := cmds.Register(&command.Command{
		Name:    "quit",
		Aliases: []string{"q", "exit"},
		Help:    "close the connection and exit",
		Handler: func(*command.Context) error { return errQuit },
	}); err != nil {
		fmt.Fprintln(os.Stderr, "command setup:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ctl.Run(ctx) }()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			handled, err := cmds.Execute(line, &command.Context{Ctl: ctl, Out: os.Stdout})
			if err == errQuit {
				cancel()
				return
			}
			if err != nil {
				fmt.Fprintln(os.Stderr, "!", err)
				continue
			}
			if handled || line == "" {
				continue
			}
			err = ctl.SendMessage(protocol.MsgConversationMessage,
				&protocol.ConversationMessagePayload{Content: line})
			if err != nil {
				fmt.Fprintln(os.Stderr, "! send:", err)
			}
		}
		cancel()
	}()

	if err := <-done; err != nil {
		fmt.Fprintln(os.Stderr, "session ended:", err)
		os.Exit(1)
	}
}

var errQuit = fmt.Errorf("quit")

func printEnvelope(env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgConversationMessage:
		var p protocol.ConversationMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			fmt.Printf("[%s] %s: %s\n", env.GroupID, p.Sender, p.Content)
			return
		}
	case protocol.MsgError:
		var p protocol.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			fmt.Printf("! server error %s: %s\n", p.Code, p.Message)
			return
		}
	}
	fmt.Printf("<- %s\n", env.Type)
}
