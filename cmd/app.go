package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/shrey2343/researcher-rtc/call"
	"github.com/shrey2343/researcher-rtc/guard"
	"github.com/shrey2343/researcher-rtc/model"
	"github.com/shrey2343/researcher-rtc/rest"
	"github.com/shrey2343/researcher-rtc/router"
	store "github.com/shrey2343/researcher-rtc/storage/memory"
	"github.com/shrey2343/researcher-rtc/transport"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		wsURL     = fs.StringP("ws-url", "w", "ws://localhost:8888/socket", "signaling server websocket url")
		apiURL    = fs.StringP("api-url", "a", "http://localhost:8888/api", "rest api base url")
		token     = fs.StringP("token", "t", "", "bearer auth token")
		userID    = fs.StringP("user-id", "u", "", "own user id")
		userName  = fs.StringP("user-name", "n", "", "own display name")
		projectID = fs.StringP("project", "p", "", "project conversation to join")
		logLevel  = fs.StringP("log-level", "l", "debug", "log level")
		dumpWire  = fs.Bool("dump-wire", false, "dump every inbound event")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)
	if *token == "" || *userID == "" {
		logger.Fatal().Msg("--token and --user-id are required")
	}

	tr := transport.NewClient(transport.Config{
		Logger: &logger,
		URL:    *wsURL,
	})
	rt := router.NewRouter(router.Config{
		Logger:    &logger,
		Transport: tr,
	})
	cm := call.NewManager(call.Config{
		Logger:   &logger,
		Signaler: tr,
		SelfID:   *userID,
		SelfName: *userName,
	})
	st := store.NewStore(*userID)
	api := rest.NewClient(rest.Config{
		Logger:  &logger,
		BaseURL: *apiURL,
		Token:   *token,
	})

	if *dumpWire {
		wire, cancelWire := tr.Subscribe()
		defer cancelWire()
		go func() {
			for ev := range wire {
				logger.Trace().Msg(spew.Sdump(ev))
			}
		}()
	}

	rt.OnMessage(func(msg model.Message) {
		if st.AddMessage(msg) {
			logger.Info().Str("from", msg.SenderID).Str("body", msg.Body).Msg("message")
		}
	})
	rt.OnPresenceSnapshot(func(userIDs []string) {
		logger.Info().Strs("online", userIDs).Msg("presence snapshot")
	})
	rt.OnTypingStart(func(p model.TypingPayload) {
		logger.Info().Str("user", p.UserName).Msg("typing")
	})

	cm.OnIncoming(func(ic call.IncomingCall) {
		logger.Info().Str("from", ic.CallerName).Msg("incoming call, accepting")
		if err := cm.AcceptCall(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to accept call")
		}
	})
	cm.OnEnded(func(reason call.EndReason) {
		logger.Info().Str("reason", string(reason)).Msg("call ended")
	})

	if err = tr.Connect(*token); err != nil {
		logger.Warn().Err(err).Msg("initial connect failed, retrying in background")
	}
	if *projectID != "" {
		rt.JoinProject(*projectID)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *projectID != "" {
		history, err := api.Conversation(ctx, *projectID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to load conversation history")
		}
		st.SetMessages(*projectID, history)
	}

	// stdin loop: plain lines are sent as messages, "/call <userID>" places
	// a call, "/end" hangs up, "/mute" toggles mute.
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			switch {
			case line == "":
			case strings.HasPrefix(line, "/call "):
				target := strings.TrimSpace(strings.TrimPrefix(line, "/call "))
				if err := cm.StartCall(ctx, target, ""); err != nil {
					logger.Error().Err(err).Msg("failed to start call")
				}
			case line == "/end":
				cm.EndCall()
			case line == "/mute":
				logger.Info().Bool("muted", cm.ToggleMute()).Msg("mute toggled")
			default:
				if v := guard.Validate(line); v.Blocked() {
					logger.Warn().Str("category", string(v.Category)).Msg(v.Warning)
					continue
				}
				rt.SendMessage(model.Message{
					ID:        uuid.NewString(),
					ProjectID: *projectID,
					SenderID:  *userID,
					Body:      line,
					Type:      model.MessageTypeText,
				})
			}
		}
	}()

	<-ctx.Done()
	logger.Warn().Msg("interrupted")
	cm.Close()
	rt.Close()
	tr.Disconnect()
}
