package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/convoline/relay-go/internal/protocol"
)

// RegisterBuiltins installs the standard client commands.
func RegisterBuiltins(r *Registry) error {
	builtins := []*Command{
		{
			Name: "help",
			Help: "list available commands",
			Handler: func(ctx *Context) error {
				lines := make([]string, 0, len(r.List()))
				for _, c := range r.List() {
					aliases := ""
					if len(c.Aliases) > 0 {
						aliases = " (aliases: " + strings.Join(c.Aliases, ", ") + ")"
					}
					lines = append(lines, fmt.Sprintf("/%s - %s%s", c.Name, c.Help, aliases))
				}
				_, err := fmt.Fprintln(ctx.Out, strings.Join(lines, "\n"))
				return err
			},
		},
		{
			Name: "pause",
			Help: "pause the conversation flow",
			Handler: func(ctx *Context) error {
				return ctx.Ctl.SendMessage(protocol.MsgFlowPause, struct{}{})
			},
		},
		{
			Name:    "resume",
			Aliases: []string{"unpause"},
			Help:    "resume a paused flow",
			Handler: func(ctx *Context) error {
				return ctx.Ctl.SendMessage(protocol.MsgFlowResume, struct{}{})
			},
		},
		{
			Name: "join",
			Help: "join a conversation group: /join <group>",
			Handler: func(ctx *Context) error {
				if len(ctx.Args) != 1 {
					return errors.New("usage: /join <group>")
				}
				ctx.Ctl.SetGroup(ctx.Args[0])
				return ctx.Ctl.SendMessage(protocol.MsgFlowStart,
					&protocol.FlowStartPayload{GroupID: ctx.Args[0]})
			},
		},
		{
			Name: "status",
			Help: "show connection state",
			Handler: func(ctx *Context) error {
				_, err := fmt.Fprintf(ctx.Out, "state=%s conn=%s\n",
					ctx.Ctl.State(), ctx.Ctl.LastConnectionID())
				return err
			},
		},
	}
	for _, c := range builtins {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
