// relay: development backend for rtcall.
//
// Serves the WebSocket signaling relay at /ws, the call-record REST service
// under /api and prometheus metrics at /metrics, all from one listener.
// Records live in memory and are lost on restart.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/rtcall/internal/api"
	"github.com/1ureka/rtcall/internal/lifecycle"
	"github.com/1ureka/rtcall/internal/signaling"
	"github.com/1ureka/rtcall/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	addr := flag.String("addr", "127.0.0.1:8080", "Listen address")
	secret := flag.String("secret", "", "HMAC secret for user and room tokens (random when empty)")
	userTTL := flag.Duration("userTtl", 24*time.Hour, "Lifetime of user tokens")
	roomTTL := flag.Duration("roomTtl", 10*time.Minute, "Lifetime of room tokens")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	logJSON := flag.Bool("logJson", false, "Write log lines as JSON objects")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}
	if *logJSON {
		util.EnableJSON()
	}

	pterm.Info.Println(fmt.Sprintf("rtcall relay v%s", version))
	pterm.Println()

	if *secret == "" {
		*secret = uuid.NewString() + uuid.NewString()
		util.LogWarning("no -secret given, tokens will not survive a restart")
	}

	if err := run(ctx, *addr, lifecycle.NewIssuer(*secret, *userTTL, *roomTTL)); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("relay stopped")
}

func run(ctx context.Context, addr string, issuer *lifecycle.Issuer) error {
	relay := signaling.NewServer(issuer.Authenticate)
	defer relay.Close()

	store := lifecycle.NewStore(issuer)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRelayRouter(api.NewRecords(store, issuer, relay), relay),
		ReadHeaderTimeout: 10 * time.Second,
	}

	util.StartStatsReporter(ctx, 10*time.Second)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		util.LogSuccess("relay listening on http://%s (signaling at ws://%s/ws)", addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		relay.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
