package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/session"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	timeoutFlag := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Parse()

	sessionName, err := session.Resolve(*sessionFlag)
	if err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "sessions" {
		cmdSessions(*jsonFlag)
		return
	}

	c, err := client.New(session.SocketPath(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	method, req, render := parse(args)
	resp, err := c.Call(ctx, method, req)
	if err != nil {
		fail(err)
	}
	if *jsonFlag {
		outputJSON(resp)
		return
	}
	render(resp)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                          Show session and sync status")
	fmt.Fprintln(os.Stderr, "  configure <user-id>             Start syncing as a user")
	fmt.Fprintln(os.Stderr, "  signout                         Publish offline and wipe the cache")
	fmt.Fprintln(os.Stderr, "  presence <active|background|activity>")
	fmt.Fprintln(os.Stderr, "  conversations [limit]           List conversations")
	fmt.Fprintln(os.Stderr, "  create [-group] [-name n] <user>...")
	fmt.Fprintln(os.Stderr, "  messages <conversation> [limit] List cached messages")
	fmt.Fprintln(os.Stderr, "  search <query> [conversation]   Full-text search")
	fmt.Fprintln(os.Stderr, "  send <conversation> <text>      Send a message")
	fmt.Fprintln(os.Stderr, "  retry <message-id>              Resend a failed message")
	fmt.Fprintln(os.Stderr, "  read <conversation>             Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  typing <conversation> <on|off|watch|unwatch>")
	fmt.Fprintln(os.Stderr, "  watch [prefix]                  Stream events")
	fmt.Fprintln(os.Stderr, "  sessions                        List local sessions")
}

type renderFunc func(*structpb.Struct)

func parse(args []string) (string, map[string]any, renderFunc) {
	cmd, rest := args[0], args[1:]
	need := func(n int, usage string) {
		if len(rest) < n {
			fmt.Fprintf(os.Stderr, "usage: chatsyncctl %s %s\n", cmd, usage)
			os.Exit(1)
		}
	}
	switch cmd {
	case "status":
		return api.MethodGetStatus, nil, printStatus
	case "configure":
		need(1, "<user-id>")
		return api.MethodConfigure, map[string]any{"user_id": rest[0]}, printStatus
	case "signout":
		return api.MethodSignOut, nil, done("signed out")
	case "presence":
		need(1, "<active|background|activity>")
		return api.MethodPresence, map[string]any{"event": rest[0]}, func(s *structpb.Struct) {
			fmt.Printf("Online: %v\n", s.Fields["online"].GetBoolValue())
		}
	case "conversations":
		req := map[string]any{}
		if len(rest) > 0 {
			req["limit"] = atoi(rest[0])
		}
		return api.MethodListConversations, req, printConversations
	case "create":
		fs := flag.NewFlagSet("create", flag.ExitOnError)
		group := fs.Bool("group", false, "create a group conversation")
		name := fs.String("name", "", "group name")
		_ = fs.Parse(rest)
		if fs.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl create [-group] [-name n] <user>...")
			os.Exit(1)
		}
		req := map[string]any{
			"participants": anyList(fs.Args()),
			"group":        *group,
			"name":         *name,
		}
		return api.MethodCreateConversation, req, func(s *structpb.Struct) {
			fmt.Printf("Conversation: %s\n", s.Fields["id"].GetStringValue())
		}
	case "messages":
		need(1, "<conversation> [limit]")
		req := map[string]any{"conversation_id": rest[0]}
		if len(rest) > 1 {
			req["limit"] = atoi(rest[1])
		}
		return api.MethodListMessages, req, printMessages("messages")
	case "search":
		need(1, "<query> [conversation]")
		req := map[string]any{"query": rest[0]}
		if len(rest) > 1 {
			req["conversation_id"] = rest[1]
		}
		return api.MethodSearchMessages, req, printMessages("results")
	case "send":
		need(2, "<conversation> <text>")
		return api.MethodSend, map[string]any{"conversation_id": rest[0], "text": strings.Join(rest[1:], " ")}, func(s *structpb.Struct) {
			if !s.Fields["accepted"].GetBoolValue() {
				fmt.Println("Nothing to send.")
				return
			}
			m := s.Fields["message"].GetStructValue()
			fmt.Printf("Queued %s (%s)\n", m.Fields["id"].GetStringValue(), m.Fields["state"].GetStringValue())
		}
	case "retry":
		need(1, "<message-id>")
		return api.MethodRetry, map[string]any{"message_id": rest[0]}, done("retry started")
	case "read":
		need(1, "<conversation>")
		return api.MethodMarkRead, map[string]any{"conversation_id": rest[0]}, done("marked read")
	case "typing":
		need(2, "<conversation> <on|off|watch|unwatch>")
		switch rest[1] {
		case "on", "off":
			return api.MethodSetTyping, map[string]any{"conversation_id": rest[0], "typing": rest[1] == "on"}, done("ok")
		case "watch", "unwatch":
			return api.MethodObserveTyping, map[string]any{"conversation_id": rest[0], "stop": rest[1] == "unwatch"}, done("ok")
		}
		fmt.Fprintf(os.Stderr, "unknown typing action: %s\n", rest[1])
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
	printUsage()
	os.Exit(1)
	return "", nil, nil
}

func cmdWatch(c *client.Client, args []string, jsonOut bool) {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := c.Watch(ctx, prefix, func(evt *structpb.Struct) bool {
		if jsonOut {
			outputJSON(evt)
			return true
		}
		at := time.UnixMilli(int64(evt.Fields["at_ms"].GetNumberValue()))
		payload, _ := protojson.Marshal(evt.Fields["payload"].GetStructValue())
		fmt.Printf("%s %-28s %s\n", at.Format("15:04:05.000"), evt.Fields["kind"].GetStringValue(), payload)
		return true
	})
	if err != nil {
		fail(err)
	}
}

func cmdSessions(jsonOut bool) {
	entries, err := session.List()
	if err != nil {
		fail(err)
	}
	if jsonOut {
		list := make([]any, len(entries))
		for i, e := range entries {
			list[i] = map[string]any{"name": e.Name, "dir": e.Dir, "running": e.Running, "pid": float64(e.PID)}
		}
		out, err := structpb.NewStruct(map[string]any{"sessions": list})
		if err != nil {
			fail(err)
		}
		outputJSON(out)
		return
	}
	if len(entries) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, e := range entries {
		state := "stopped"
		if e.Running {
			state = fmt.Sprintf("running pid=%d since %s", e.PID, e.Since.Local().Format(time.DateTime))
		}
		fmt.Printf("%-20s %s (%s)\n", e.Name, e.Dir, state)
	}
}

func printStatus(s *structpb.Struct) {
	f := s.Fields
	fmt.Printf("Session:       %s\n", f["session"].GetStringValue())
	fmt.Printf("Status:        %s\n", f["status"].GetStringValue())
	if reason := f["reason"].GetStringValue(); reason != "" {
		fmt.Printf("Reason:        %s\n", reason)
	}
	fmt.Printf("User:          %s\n", f["user_id"].GetStringValue())
	fmt.Printf("Online:        %v\n", f["online"].GetBoolValue())
	fmt.Printf("Conversations: %d\n", int64(f["conversations"].GetNumberValue()))
	fmt.Printf("Messages:      %d\n", int64(f["messages"].GetNumberValue()))
	fmt.Printf("Observed:      %d\n", len(f["observed"].GetListValue().GetValues()))
	fmt.Printf("Uptime:        %s\n", time.Duration(f["uptime_ms"].GetNumberValue())*time.Millisecond)
}

func printConversations(s *structpb.Struct) {
	list := s.Fields["conversations"].GetListValue().GetValues()
	if len(list) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, v := range list {
		f := v.GetStructValue().Fields
		name := f["group_name"].GetStringValue()
		if name == "" {
			name = f["id"].GetStringValue()
		}
		fmt.Printf("%-40s unread=%-4d %s\n", name, int64(f["unread"].GetNumberValue()), f["last_message"].GetStringValue())
	}
}

func printMessages(field string) renderFunc {
	return func(s *structpb.Struct) {
		list := s.Fields[field].GetListValue().GetValues()
		if len(list) == 0 {
			fmt.Println("No messages.")
			return
		}
		for _, v := range list {
			f := v.GetStructValue().Fields
			at := time.UnixMilli(int64(f["timestamp_ms"].GetNumberValue()))
			text := f["text"].GetStringValue()
			if snippet := f["snippet"].GetStringValue(); snippet != "" {
				text = snippet
			}
			fmt.Printf("%s %-12s [%-9s] %s\n", at.Format("2006-01-02 15:04"), f["sender_id"].GetStringValue(), f["state"].GetStringValue(), text)
		}
	}
}

func done(msg string) renderFunc {
	return func(*structpb.Struct) { fmt.Println(msg) }
}

func anyList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func atoi(s string) float64 {
	var n int
	if _, err := fmt.Sscan(s, &n); err != nil {
		fail(fmt.Errorf("invalid number %q", s))
	}
	return float64(n)
}

func outputJSON(s *structpb.Struct) {
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		return
	}
	fmt.Println(string(out))
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
