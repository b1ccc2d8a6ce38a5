// rtcall: call client entry point.
//
// Connects to a signaling relay, keeps one call session at a time and exposes
// it through a local control API. Media is negotiated peer to peer (direct
// strategy) or through an SFU room (room strategy).
//
// Settings come from defaults, an optional JSON file (-config) and flags, in
// that order. Missing identity values are asked for interactively.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/rtcall/internal/api"
	"github.com/1ureka/rtcall/internal/call"
	"github.com/1ureka/rtcall/internal/config"
	"github.com/1ureka/rtcall/internal/lifecycle"
	"github.com/1ureka/rtcall/internal/media"
	"github.com/1ureka/rtcall/internal/quality"
	"github.com/1ureka/rtcall/internal/session"
	"github.com/1ureka/rtcall/internal/signaling"
	"github.com/1ureka/rtcall/internal/transport"
	"github.com/1ureka/rtcall/internal/util"
)

var version = "dev"

type runOptions struct {
	callee     string
	video      bool
	autoAccept bool
	visible    bool
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "", "JSON configuration file")
	userID := flag.String("user", "", "Local user id")
	name := flag.String("name", "", "Display name")
	token := flag.String("token", "", "Bearer token (requested from the relay when empty)")
	serviceURL := flag.String("service", "", "Call-record service base URL")
	signalingKind := flag.String("signaling", "", "Signaling transport: ws or redis")
	wsURL := flag.String("wsUrl", "", "Signaling relay WebSocket URL")
	redisAddr := flag.String("redis", "", "Redis address for redis signaling")
	strategy := flag.String("strategy", "", "Media transport: direct or room")
	whipURL := flag.String("whip", "", "SFU WHIP endpoint base URL (room strategy)")
	mediaSource := flag.String("media", "", "Media source: synthetic or device")
	apiAddr := flag.String("api", "", "Control API listen address")
	callee := flag.String("call", "", "Call this user id right away")
	video := flag.Bool("video", false, "Place a video call instead of a voice call (with -call)")
	autoAccept := flag.Bool("autoAccept", false, "Accept incoming calls without asking")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	logJSON := flag.Bool("logJson", false, "Write log lines as JSON objects")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}
	if *logJSON {
		util.EnableJSON()
	}

	pterm.Info.Println(fmt.Sprintf("rtcall v%s", version))
	pterm.Println()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	overlay(&cfg.UserID, *userID)
	overlay(&cfg.FullName, *name)
	overlay(&cfg.Token, *token)
	overlay(&cfg.ServiceURL, *serviceURL)
	overlay((*string)(&cfg.Signaling), *signalingKind)
	overlay(&cfg.WSURL, *wsURL)
	overlay(&cfg.RedisAddr, *redisAddr)
	overlay((*string)(&cfg.Strategy), *strategy)
	overlay(&cfg.WHIPURL, *whipURL)
	overlay(&cfg.Media, *mediaSource)
	overlay(&cfg.APIAddr, *apiAddr)

	interactive := isTerminal()
	if cfg.UserID == "" && interactive {
		cfg.UserID = askText("Your user id")
	}
	if cfg.Username == "" {
		cfg.Username = cfg.UserID
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	opts := runOptions{callee: *callee, video: *video, autoAccept: *autoAccept, visible: interactive}
	if err := run(ctx, cfg, opts); err != nil && !errors.Is(err, context.Canceled) {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("bye")
}

// ---------------------------------------------------------------------------
// Wiring
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg config.Config, opts runOptions) error {
	if cfg.Token == "" {
		tok, err := lifecycle.NewClient(cfg.ServiceURL, "").RequestToken(ctx, cfg.UserID, cfg.Username)
		if err != nil {
			return fmt.Errorf("failed to get a user token: %w", err)
		}
		cfg.Token = tok
	}

	ch, err := openSignaling(ctx, cfg)
	if err != nil {
		return err
	}
	defer ch.Close()
	util.LogSuccess("signaling connected as %s (%s)", cfg.UserID, cfg.Signaling)

	svc := lifecycle.NewClient(cfg.ServiceURL, cfg.Token)

	capturer, err := openCapturer(cfg.Media)
	if err != nil {
		return err
	}
	gateway := media.NewGateway(capturer)

	pionAPI, err := transport.NewAPI(cfg.ICE, capturer)
	if err != nil {
		return fmt.Errorf("failed to set up WebRTC: %w", err)
	}
	factory := transport.PionFactory(pionAPI, cfg.ICE.STUNServers)

	var strat transport.Strategy
	switch cfg.Strategy {
	case config.StrategyRoom:
		strat = transport.NewRoom(svc, transport.NewWHIPProvider(cfg.WHIPURL), gateway, factory, cfg.Call.MaxRetries)
	default:
		strat = transport.NewDirect(cfg.UserID, ch, gateway, factory, cfg.Call.MaxRetries)
	}
	defer strat.Close()

	monitor := quality.NewMonitor(time.Duration(cfg.Call.QualityInterval), quality.Thresholds{
		Excellent: time.Duration(cfg.Call.ExcellentRTT),
		Good:      time.Duration(cfg.Call.GoodRTT),
	})
	defer monitor.Close()

	machine := session.New(session.Options{
		Self:     call.Participant{ID: cfg.UserID, Username: cfg.Username, FullName: cfg.FullName},
		Signal:   ch,
		Service:  svc,
		Strategy: strat,
		Quality:  monitor,
		Call:     cfg.Call,
		Visible:  opts.visible,
	})
	defer machine.Close()

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewControlRouter(api.NewControl(machine, monitor)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	util.StartStatsReporter(ctx, 5*time.Second)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		util.LogInfo("control API on http://%s/api/call (%s strategy)", cfg.APIAddr, strat.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		watch(gctx, machine, opts)
		return nil
	})
	if opts.callee != "" {
		g.Go(func() error {
			kind := call.KindVoice
			if opts.video {
				kind = call.KindVideo
			}
			if _, err := machine.Initiate(gctx, call.Participant{ID: opts.callee}, "", kind); err != nil {
				util.LogError("call to %s failed: %v", opts.callee, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func openSignaling(ctx context.Context, cfg config.Config) (signaling.Channel, error) {
	switch cfg.Signaling {
	case config.SignalingRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		return signaling.NewRedisChannel(ctx, rdb, cfg.UserID)
	default:
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return signaling.Dial(dialCtx, cfg.WSURL, cfg.UserID, cfg.Token)
	}
}

func openCapturer(source string) (media.Capturer, error) {
	if source == "device" {
		c, err := media.NewDeviceCapturer()
		if err != nil {
			return nil, fmt.Errorf("failed to set up capture devices: %w", err)
		}
		return c, nil
	}
	return media.SyntheticCapturer{}, nil
}

// watch logs session changes and answers incoming calls.
func watch(ctx context.Context, m *session.Machine, opts runOptions) {
	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()

	var last call.Status
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			if s.Status == last {
				continue
			}
			last = s.Status
			util.Call(s.ID).Debug("session %s", s.Status)
			if s.Status != call.StatusRingingIncoming {
				continue
			}
			if opts.autoAccept || (opts.visible && askAccept(s)) {
				if _, err := m.Accept(ctx); err != nil {
					util.LogError("accept failed: %v", err)
				}
				continue
			}
			if opts.visible {
				if err := m.Decline(ctx); err != nil {
					util.LogError("decline failed: %v", err)
				}
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func overlay(dst *string, flagValue string) {
	if v := strings.TrimSpace(flagValue); v != "" {
		*dst = v
	}
}

func isTerminal() bool {
	fi, err := os.Stdin.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

// askText prompts until a non-empty value is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}
		util.LogWarning("a value is required")
		pterm.Println()
	}
}

func askAccept(s call.Session) bool {
	ok, _ := pterm.DefaultInteractiveConfirm.
		WithDefaultText(fmt.Sprintf("Incoming %s call from %s. Accept?", s.Kind, s.Remote.DisplayName())).
		WithDefaultValue(true).
		Show()
	pterm.Println()
	return ok
}
