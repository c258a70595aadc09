package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/hubchat/internal/daemon"
	"github.com/matheus3301/hubchat/internal/session"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	roomFlag := flag.String("room", "", "room to open; stdin lines are sent to it")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	p := daemon.Params{Profile: profile, Room: *roomFlag, Output: os.Stdout}
	if *roomFlag != "" {
		p.Input = os.Stdin
	}

	app := fx.New(
		daemon.Module(p),
	)

	app.Run()
}
