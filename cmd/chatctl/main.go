package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/hubchat/internal/api"
	"github.com/matheus3301/hubchat/internal/chat"
	"github.com/matheus3301/hubchat/internal/config"
	"github.com/matheus3301/hubchat/internal/lock"
	"github.com/matheus3301/hubchat/internal/session"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Commands that need no server.
	switch args[0] {
	case "status":
		cmdStatus(profile, *jsonFlag)
		return
	case "login":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl login <token>")
			os.Exit(1)
		}
		cmdLogin(profile, args[1])
		return
	case "profiles":
		cmdProfiles(*jsonFlag)
		return
	}

	prof, err := loadProfile(profile)
	if err != nil {
		fail(err)
	}
	tokens := session.ProfileToken(profile, prof.TokenFile)
	c := api.NewClient(prof.APIBaseURL, tokens)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	switch args[0] {
	case "rooms":
		cmdRooms(ctx, c, *jsonFlag)
	case "room":
		need(args, 2, "chatctl room <room-id>")
		cmdRoom(ctx, c, args[1], *jsonFlag)
	case "history":
		need(args, 2, "chatctl history <room-id> [page]")
		page := 1
		if len(args) >= 3 {
			if page, err = strconv.Atoi(args[2]); err != nil || page < 1 {
				fail(fmt.Errorf("invalid page %q", args[2]))
			}
		}
		cmdHistory(ctx, c, args[1], page, prof.PageSize, *jsonFlag)
	case "send":
		need(args, 3, "chatctl send <room-id> <text...>")
		cmdSend(ctx, c, args[1], strings.Join(args[2:], " "), *jsonFlag)
	case "read":
		need(args, 2, "chatctl read <room-id>")
		if err := c.MarkRead(ctx, args[1]); err != nil {
			fail(err)
		}
		fmt.Println("Marked as read.")
	case "dm":
		need(args, 2, "chatctl dm <user-id>")
		room, err := c.CreateDirectRoom(ctx, args[1])
		if err != nil {
			fail(err)
		}
		printRoom(room, *jsonFlag)
	case "project":
		need(args, 2, "chatctl project <project-id>")
		room, err := c.CreateProjectRoom(ctx, args[1])
		if err != nil {
			fail(err)
		}
		printRoom(room, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                    Show profile and chatd status")
	fmt.Fprintln(os.Stderr, "  login <token>             Store the access token")
	fmt.Fprintln(os.Stderr, "  profiles                  List configured profiles")
	fmt.Fprintln(os.Stderr, "  rooms                     List rooms, most recent first")
	fmt.Fprintln(os.Stderr, "  room <room-id>            Show one room")
	fmt.Fprintln(os.Stderr, "  history <room-id> [page]  Show a page of messages")
	fmt.Fprintln(os.Stderr, "  send <room-id> <text>     Send a message over HTTP")
	fmt.Fprintln(os.Stderr, "  read <room-id>            Mark a room as read")
	fmt.Fprintln(os.Stderr, "  dm <user-id>              Open the direct room with a user")
	fmt.Fprintln(os.Stderr, "  project <project-id>      Open a project room")
}

func loadProfile(name string) (config.Profile, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return config.Profile{}, fmt.Errorf("load config: %w", err)
	}
	return cfg.Lookup(name)
}

func cmdStatus(profile string, jsonOut bool) {
	token := session.ProfileToken(profile, "")
	if prof, err := loadProfile(profile); err == nil {
		token = session.ProfileToken(profile, prof.TokenFile)
	}
	info, running := lock.Holder(session.Dir(profile))

	if jsonOut {
		outputJSON(map[string]any{
			"profile":   profile,
			"has_token": token.Token() != "",
			"running":   running,
			"pid":       info.PID,
			"room":      info.Room,
		})
		return
	}
	fmt.Printf("Profile: %s\n", profile)
	fmt.Printf("Token:   %v\n", token.Token() != "")
	if !running {
		fmt.Println("chatd:   stopped")
		return
	}
	fmt.Printf("chatd:   running (pid %d, since %s)\n", info.PID, info.Since.Local().Format(time.DateTime))
	if info.Room != "" {
		fmt.Printf("Room:    %s\n", info.Room)
	}
}

func cmdLogin(profile, token string) {
	if err := session.EnsureDir(profile); err != nil {
		fail(err)
	}
	path := session.TokenPath(profile)
	if prof, err := loadProfile(profile); err == nil && prof.TokenFile != "" {
		path = prof.TokenFile
	}
	if err := session.SaveToken(path, token); err != nil {
		fail(err)
	}
	fmt.Printf("Token saved to %s\n", path)
}

func cmdProfiles(jsonOut bool) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		fail(fmt.Errorf("load config: %w", err))
	}
	if jsonOut {
		outputJSON(cfg)
		return
	}
	names := make([]string, 0, len(cfg.Profiles))
	for name := range cfg.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		marker := " "
		if name == cfg.DefaultProfile {
			marker = "*"
		}
		fmt.Printf("%s %-20s %s\n", marker, name, cfg.Profiles[name].APIBaseURL)
	}
}

func cmdRooms(ctx context.Context, c *api.Client, jsonOut bool) {
	rooms, err := c.ListRooms(ctx)
	if err != nil {
		fail(err)
	}
	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].ActivityTime().After(rooms[j].ActivityTime())
	})
	if jsonOut {
		outputJSON(rooms)
		return
	}
	if len(rooms) == 0 {
		fmt.Println("No rooms found.")
		return
	}
	for _, r := range rooms {
		last := ""
		if r.LastMessage != nil {
			last = r.LastMessage.Content
		}
		fmt.Printf("%-38s %-30s %3d  %s\n", r.ID, roomTitle(r), r.UnreadCount, last)
	}
}

func cmdRoom(ctx context.Context, c *api.Client, roomID string, jsonOut bool) {
	room, err := c.GetRoom(ctx, roomID)
	if err != nil {
		fail(err)
	}
	printRoom(room, jsonOut)
}

func cmdHistory(ctx context.Context, c *api.Client, roomID string, page, pageSize int, jsonOut bool) {
	msgs, err := c.ListMessages(ctx, roomID, page, pageSize)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(msgs)
		return
	}
	// Pages arrive newest first.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		fmt.Printf("%s  %s: %s\n", chat.ParseTime(m.CreatedAt).Local().Format(time.DateTime), m.SenderName, m.Content)
	}
}

func cmdSend(ctx context.Context, c *api.Client, roomID, content string, jsonOut bool) {
	if strings.TrimSpace(content) == "" {
		fail(errors.New("empty message"))
	}
	msg, err := c.SendMessage(ctx, roomID, content)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(msg)
		return
	}
	fmt.Printf("Sent: %s\n", msg.ID)
}

func printRoom(r chat.Room, jsonOut bool) {
	if jsonOut {
		outputJSON(r)
		return
	}
	fmt.Printf("ID:      %s\n", r.ID)
	fmt.Printf("Type:    %s\n", r.RoomType)
	fmt.Printf("Title:   %s\n", roomTitle(r))
	fmt.Printf("Unread:  %d\n", r.UnreadCount)
}

func roomTitle(r chat.Room) string {
	if r.RoomType == chat.RoomProject && r.ProjectName != "" {
		return r.ProjectName
	}
	names := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		names = append(names, p.FullName)
	}
	if len(names) == 0 {
		return r.ID
	}
	return strings.Join(names, ", ")
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, "usage: "+usage)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
