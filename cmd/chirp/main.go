package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pvilela/chirp/internal/app"
	"github.com/pvilela/chirp/internal/bridge"
	"github.com/pvilela/chirp/internal/session"
	"github.com/pvilela/chirp/internal/status"
	intsync "github.com/pvilela/chirp/internal/sync"
	"github.com/pvilela/chirp/internal/tui"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides default)")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	var (
		br      *bridge.Bridge
		engine  *intsync.Engine
		machine *status.Machine
	)
	fxApp := fx.New(
		app.Module(app.Params{Profile: profile}),
		fx.Populate(&br, &engine, &machine),
		fx.NopLogger,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}

	ui := tui.NewApp(br, engine, machine, profile)
	runErr := ui.Run()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := fxApp.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		os.Exit(1)
	}
}
