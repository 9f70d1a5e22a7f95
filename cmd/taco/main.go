package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/Qadosh7/Taco/pkg/game/types"
	"github.com/Qadosh7/Taco/pkg/log"
	"github.com/Qadosh7/Taco/pkg/remote"
	"github.com/Qadosh7/Taco/pkg/session"
	"github.com/Qadosh7/Taco/pkg/sessioncache"
	"github.com/Qadosh7/Taco/pkg/version"
	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"
)

func main() {
	relayURL := flag.String("relay", "http://localhost:8080", "Relay base URL")
	roomCode := flag.String("room", "", "Room code to join")
	logLevel := flag.String("log-level", "warn", "Log level")
	logFile := flag.String("log-file", "", "Path to a log file (defaults to stderr)")
	cachePath := flag.String("cache", "taco-session.db", "Path to the session cache database")
	flag.Parse()

	parsedLogLevel, err := log.ParseLogLevel(*logLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse log level: %v", err))
	}
	logOutput := os.Stderr
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			panic(fmt.Sprintf("Failed to open log file: %v", err))
		}
		defer f.Close()
		logOutput = f
	}
	log.SetDefaultLogger(log.New(logOutput, "", log.DefaultLoggerFlag, parsedLogLevel))

	ctx := context.Background()

	cache, err := sessioncache.New(ctx, *cachePath)
	if err != nil {
		panic(fmt.Sprintf("Failed to open session cache: %v", err))
	}
	defer cache.Close()

	client := remote.NewClient(remote.NewClientOptions{BaseURL: *relayURL})
	defer client.Close(ctx)

	var localID string
	controller := session.NewController(session.NewControllerOptions{
		Store: client,
		Cache: cache,
		OnUpdate: func(state *types.GameState) {
			renderState(state, localID)
		},
	})

	printTitle()
	pterm.Info.Printfln("Taco client version %s", version.Get())

	if err := enterRoom(ctx, controller, cache, *roomCode); err != nil {
		pterm.Error.Printfln("%v", err)
		os.Exit(1)
	}
	localID = controller.ParticipantID()
	pterm.Info.Printfln("In room %s as participant %s", controller.RoomCode(), localID)
	if state := controller.State(); state != nil {
		renderState(state, localID)
	}

	runCommandLoop(ctx, controller)
}

func printTitle() {
	pterm.Print("\n")
	title, err := pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("T", pterm.FgRed.ToStyle()),
		putils.LettersFromStringWithStyle("aco", pterm.FgYellow.ToStyle()),
	).Srender()
	if err == nil {
		pterm.Print(title)
	}
}

// enterRoom resolves how the session starts: resume a cached seat,
// join the room named on the command line, or ask interactively.
func enterRoom(ctx context.Context, controller *session.Controller, cache *sessioncache.Cache, roomFlag string) error {
	if roomFlag == "" {
		if cached, err := cache.Load(ctx); err != nil {
			log.Warn("Failed to load session cache: %v", err)
		} else if cached != nil {
			pterm.Info.Printfln("Resuming room %s", cached.RoomCode)
			if err := controller.Resume(ctx, cached.RoomCode, cached.ParticipantID); err == nil {
				return nil
			} else {
				pterm.Warning.Printfln("Could not resume room %s: %v", cached.RoomCode, err)
			}
		}
	}

	name, _ := pterm.DefaultInteractiveTextInput.WithDefaultText("Enter your name").Show()
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("a name is required")
	}
	avatar, _ := pterm.DefaultInteractiveTextInput.WithDefaultText("Pick an avatar emoji (optional)").Show()
	avatar = strings.TrimSpace(avatar)

	if roomFlag != "" {
		return controller.JoinRoom(ctx, roomFlag, name, avatar)
	}

	action, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Create a room", "Join a room"}).
		Show()
	if action == "Create a room" {
		if err := controller.CreateRoom(ctx, name, avatar); err != nil {
			return err
		}
		pterm.Success.Printfln("Created room %s", controller.RoomCode())
		return nil
	}

	code, _ := pterm.DefaultInteractiveTextInput.WithDefaultText("Enter the room code").Show()
	return controller.JoinRoom(ctx, code, name, avatar)
}

func runCommandLoop(ctx context.Context, controller *session.Controller) {
	pterm.Info.Println("Commands: start, play, slap, react <emoji>, chat <text>, state, leave, quit")
	for {
		line, _ := pterm.DefaultInteractiveTextInput.WithDefaultText(">").Show()
		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")

		var err error
		switch cmd {
		case "start":
			err = controller.StartGame(ctx)
		case "play":
			err = controller.PlayCard(ctx)
		case "slap":
			err = controller.Slap(ctx)
		case "react":
			err = controller.SendReaction(ctx, arg)
		case "chat":
			err = controller.SendChat(ctx, arg)
		case "state":
			if state := controller.State(); state != nil {
				renderState(state, controller.ParticipantID())
			}
		case "leave":
			controller.Leave(ctx)
			pterm.Info.Println("Left the room")
			return
		case "quit", "exit":
			controller.Close(ctx)
			return
		case "":
		default:
			pterm.Warning.Printfln("Unknown command: %s", cmd)
		}

		if err != nil {
			pterm.Error.Printfln("%v", err)
		}
	}
}
