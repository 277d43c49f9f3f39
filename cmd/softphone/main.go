// Command softphone is a terminal client for placing and answering calls
// through the signaling server. It drives the full lifecycle: presence,
// ringing, WebRTC negotiation, hangup and call history records.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carelink/carecall/internal/adapters/media"
	"github.com/carelink/carecall/internal/adapters/rtc"
	"github.com/carelink/carecall/internal/adapters/wsclient"
	"github.com/carelink/carecall/internal/call"
	"github.com/carelink/carecall/internal/config"
	"github.com/carelink/carecall/internal/core"
	"github.com/carelink/carecall/internal/domain"
	"github.com/carelink/carecall/internal/record"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: softphone <identity> <display-name>")
		os.Exit(1)
	}
	identity, err := domain.ParseUserID(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad identity:", err)
		os.Exit(1)
	}
	displayName := os.Args[2]

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	client, err := wsclient.Dial(ctx, cfg.ServerURL, identity)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot reach signaling server")
	}
	defer client.Close()

	source, err := media.NewSource()
	if err != nil {
		log.Fatal().Err(err).Msg("media engine init failed")
	}

	var sink core.RecordSink = record.Discard{}
	if cfg.RecordURL != "" {
		sink = record.NewHTTPSink(cfg.RecordURL, cfg.RecordToken)
	}

	session := call.NewSession(call.Config{
		Self:      identity,
		SelfName:  displayName,
		Transport: client,
		Media:     source,
		Records:   sink,
		NewMediaConn: func(conv domain.ConversationID) (core.MediaConnection, error) {
			return rtc.NewConnectionWithAPI(source.API(), rtc.DefaultConfig(cfg.ICEServers), conv)
		},
		SuppressionWindow: cfg.SuppressionWindow,
	})

	events, unsubscribe := session.Subscribe()
	defer unsubscribe()

	go func() {
		for env := range client.Receive() {
			session.HandleEnvelope(ctx, env)
		}
		cancel()
	}()
	go printEvents(events)

	fmt.Printf("connected as %s - commands: call <conv> <peer> [video], accept, reject, hangup, typing <conv>, quit\n", identity)
	go readCommands(ctx, cancel, session, client, identity)

	<-ctx.Done()
	session.Hangup()
	log.Info().Msg("softphone exited")
}

func printEvents(events <-chan call.Event) {
	for ev := range events {
		switch ev.Kind {
		case call.EventIncoming:
			kind := "voice"
			if ev.CallType == domain.CallVideo {
				kind = "video"
			}
			fmt.Printf("\nincoming %s call from %s (%s) - accept/reject?\n", kind, ev.CallerName, ev.Peer)
		case call.EventConnected:
			fmt.Printf("\nconnected to %s\n", ev.Peer)
		case call.EventRejected:
			fmt.Printf("\n%s declined the call\n", ev.Peer)
		case call.EventEnded:
			fmt.Println("\ncall ended")
		case call.EventFailed:
			fmt.Printf("\ncall failed: %v\n", ev.Err)
		}
	}
}

func readCommands(ctx context.Context, cancel context.CancelFunc, session *call.Session, client *wsclient.Client, identity domain.UserID) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "call":
			if len(fields) < 3 {
				fmt.Println("usage: call <conv> <peer> [video]")
				continue
			}
			callee, err := domain.ParseUserID(fields[2])
			if err != nil {
				fmt.Println("bad peer:", err)
				continue
			}
			ct := domain.CallVoice
			if len(fields) > 3 && fields[3] == "video" {
				ct = domain.CallVideo
			}
			if err := session.Invite(ctx, domain.ConversationID(fields[1]), callee, ct); err != nil {
				fmt.Println("call failed:", err)
			}
		case "accept":
			if err := session.Accept(ctx); err != nil {
				fmt.Println("accept failed:", err)
			}
		case "reject":
			if err := session.Reject(); err != nil {
				fmt.Println("reject failed:", err)
			}
		case "hangup":
			if err := session.Hangup(); err != nil {
				fmt.Println("hangup failed:", err)
			}
		case "typing":
			if len(fields) < 2 {
				fmt.Println("usage: typing <conv>")
				continue
			}
			env, err := domain.NewEnvelope(domain.MsgTyping, domain.ConversationID(fields[1]), identity, nil, nil)
			if err == nil {
				err = client.Send(env)
			}
			if err != nil {
				fmt.Println("typing failed:", err)
			}
		case "quit":
			cancel()
			return
		default:
			fmt.Println("commands: call <conv> <peer> [video], accept, reject, hangup, typing <conv>, quit")
		}
	}
}
