package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/matheus3301/msgstore/internal/api"
	"github.com/matheus3301/msgstore/internal/lock"
	"github.com/matheus3301/msgstore/internal/profile"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if pid, _ := lock.Holder(profile.Dir(profileName)); pid == 0 && args[0] != "status" {
		fmt.Fprintf(os.Stderr, "warning: no daemon lock found for profile %q\n", profileName)
	}

	c, err := api.Dial(profile.SocketPath(profileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", profileName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:])
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var resp *structpb.Struct
	switch args[0] {
	case "status":
		resp, err = c.Call(ctx, api.MethodStatus, nil)
	case "count":
		need(args, 2, "count <conversation-uri> [after-rfc3339]")
		req := map[string]any{"conversation": args[1]}
		if len(args) > 2 {
			req["after"] = args[2]
		}
		resp, err = c.Call(ctx, api.MethodCountMessages, req)
	case "window":
		need(args, 2, "window <conversation-uri> [around-rfc3339]")
		req := map[string]any{"conversation": args[1]}
		if len(args) > 2 {
			req["around"] = args[2]
		}
		resp, err = c.Call(ctx, api.MethodFetchWindow, req)
	case "last":
		need(args, 2, "last <conversation-uri>")
		resp, err = c.Call(ctx, api.MethodLastDisplayMessage, map[string]any{"conversation": args[1]})
	case "wipe":
		need(args, 2, "wipe <message-uri>")
		resp, err = c.Call(ctx, api.MethodDeleteMessageContent, map[string]any{"message": args[1]})
	case "retention":
		resp, err = c.Call(ctx, api.MethodRunRetention, nil)
	case "orphans":
		resp, err = c.Call(ctx, api.MethodOrphanedFiles, map[string]any{"delete": len(args) > 1 && args[1] == "--delete"})
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fail(err)
	}
	output(os.Stdout, resp, *jsonFlag)
}

func cmdWatch(c *api.Client, objects []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	stream, err := c.WatchChanges(ctx, objects)
	if err != nil {
		fail(err)
	}
	for {
		evt, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			fail(err)
		}
		output(os.Stdout, evt, true)
	}
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, "usage: msgctl "+usage)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: msgctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                       Show daemon status")
	fmt.Fprintln(os.Stderr, "  count <conv> [after]         Count messages")
	fmt.Fprintln(os.Stderr, "  window <conv> [around]       Show a message window")
	fmt.Fprintln(os.Stderr, "  last <conv>                  Show the last display message")
	fmt.Fprintln(os.Stderr, "  wipe <message>               Delete a message's content")
	fmt.Fprintln(os.Stderr, "  retention                    Run retention now")
	fmt.Fprintln(os.Stderr, "  orphans [--delete]           List or delete orphaned media files")
	fmt.Fprintln(os.Stderr, "  watch [object...]            Stream store changes")
}

func output(w io.Writer, resp *structpb.Struct, jsonOut bool) {
	if jsonOut {
		data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
		if err != nil {
			fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
			return
		}
		fmt.Fprintln(w, string(data))
		return
	}
	fields := resp.AsMap()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%-20s %v\n", k+":", fields[k])
	}
}
