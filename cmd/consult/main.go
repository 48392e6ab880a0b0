package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"teleconsult/native/internal/api"
	"teleconsult/native/internal/call"
	"teleconsult/native/internal/config"
	"teleconsult/native/internal/domain"
	"teleconsult/native/internal/media"
	sigclient "teleconsult/native/internal/signal"
	"teleconsult/native/internal/webrtc"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

const helpText = `consult - join a video consultation room over WebRTC

Usage:
  consult [options]

With --transport relay (default) the participant dials the signaling relay,
optionally fetching a ticket from --api-url first. With --transport broadcast
a doctor and a patient are run in this process and call each other.

Configuration is read from --config (YAML), then CONSULT_* environment
variables, then the flags below.

Examples:
  # Patient waiting in room consult-42
  consult --room consult-42 --role patient --api-url http://localhost:8080

  # Doctor joining the same room; the call starts when both are present
  consult --room consult-42 --role doctor --api-url http://localhost:8080

  # Same-process demo
  consult --transport broadcast --room consult-42 --loopback

Options:
`

type flags struct {
	config    *string
	room      *string
	role      *string
	user      *string
	transport *string
	signalURL *string
	apiURL    *string
	capture   *string
	strict    *bool
	loopback  *bool
	record    *string
}

func parseFlags() flags {
	f := flags{
		config:    pflag.String("config", "", "path to a YAML config file"),
		room:      pflag.String("room", "", "consultation room id"),
		role:      pflag.String("role", "", "doctor or patient"),
		user:      pflag.String("user", "", "user id presented to the relay"),
		transport: pflag.String("transport", "", "relay or broadcast"),
		signalURL: pflag.String("signal-url", "", "relay websocket URL"),
		apiURL:    pflag.String("api-url", "", "relay HTTP URL used to fetch a ticket"),
		capture:   pflag.String("capture", "", "synthetic or device"),
		strict:    pflag.Bool("strict-offer-filter", false, "ignore messages carrying our own participant id"),
		loopback:  pflag.Bool("loopback", false, "gather loopback ICE candidates, for same-host calls"),
		record:    pflag.String("record", "", "directory to record remote media into"),
	}
	pflag.Usage = func() {
		fmt.Fprint(os.Stderr, helpText)
		pflag.PrintDefaults()
	}
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	_ = flag.CommandLine.Parse(nil)
	return f
}

// override applies flags given on the command line over cfg.
func (f flags) override(cfg *config.Config) {
	set := pflag.CommandLine.Changed
	if set("room") {
		cfg.RoomID = *f.room
	}
	if set("role") {
		cfg.Role = *f.role
	}
	if set("user") {
		cfg.UserID = *f.user
	}
	if set("transport") {
		cfg.Transport = *f.transport
	}
	if set("signal-url") {
		cfg.SignalURL = *f.signalURL
	}
	if set("api-url") {
		cfg.APIURL = *f.apiURL
	}
	if set("capture") {
		cfg.CaptureSource = *f.capture
	}
	if set("strict-offer-filter") {
		cfg.StrictOfferFilter = *f.strict
	}
}

func main() {
	f := parseFlags()
	defer glog.Flush()

	cfg, err := config.Load(*f.config)
	if err != nil {
		glog.Exitf("[main] %v", err)
	}
	f.override(cfg)
	if err := cfg.Validate(); err != nil {
		glog.Exitf("[main] %v", err)
	}
	if cfg.RoomID == "" {
		glog.Exitf("[main] a room id is required (--room or CONSULT_ROOM_ID)")
	}
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		glog.Infof("[main] received %s, shutting down", sig)
		cancel()
	}()

	var rec *media.Recorder
	if *f.record != "" {
		if rec, err = media.NewRecorder(*f.record); err != nil {
			glog.Exitf("[main] %v", err)
		}
	}

	switch cfg.Transport {
	case config.TransportBroadcast:
		err = runBroadcast(ctx, cfg, *f.loopback, rec)
	default:
		err = runRelay(ctx, cfg, *f.loopback, rec)
	}
	if err != nil {
		glog.Errorf("[main] %v", err)
		return
	}
	glog.Infof("[main] done")
}

func newController(cfg *config.Config, ch domain.Channel, iceServers []domain.ICEServer, loopback bool, id string) (*call.Controller, error) {
	capturer, configureMedia, err := newCapturer(cfg)
	if err != nil {
		return nil, err
	}

	conns, err := webrtc.NewAPI(webrtc.Options{
		ICEServers:      iceServers,
		ConfigureMedia:  configureMedia,
		IncludeLoopback: loopback,
	})
	if err != nil {
		return nil, fmt.Errorf("create webrtc api: %w", err)
	}

	return call.New(call.Options{
		Channel:           ch,
		Connections:       conns,
		Capturer:          capturer,
		ParticipantID:     id,
		StrictOfferFilter: cfg.StrictOfferFilter,
		ReconnectAttempts: cfg.ReconnectAttempts,
	})
}

// runRelay joins the room through the networked relay as a single participant.
func runRelay(ctx context.Context, cfg *config.Config, loopback bool, rec *media.Recorder) error {
	role := domain.Role(cfg.Role)
	iceServers := cfg.ICEServers()
	signalURL := cfg.SignalURL
	token := ""

	if cfg.APIURL != "" {
		client := api.NewClient(cfg.APIURL)
		ticket, err := fetchTicket(ctx, client, cfg)
		if err != nil {
			return err
		}
		token = ticket.Token
		signalURL = client.SignalURL(ticket)
		if len(ticket.ICEServers) > 0 {
			iceServers = ticket.ICEServers
		}
		glog.Infof("[main] ticket obtained: signal=%s expires=%s", signalURL, ticket.ExpiresAt.Format("15:04:05"))
	}

	ch := sigclient.NewClient(sigclient.ClientOptions{URL: signalURL, Token: token, ParticipantID: cfg.UserID})
	ctrl, err := newController(cfg, ch, iceServers, loopback, cfg.UserID)
	if err != nil {
		_ = ch.Close()
		return err
	}
	defer ctrl.Close()

	p := newParticipant(ctx, string(role), role, ctrl, rec)
	if err := ctrl.Initialize(ctx, cfg.RoomID); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	// The relay only announces members that join after us.
	if p.caller && ch.Members() > 1 {
		go p.start()
	}

	<-ctx.Done()
	glog.Infof("[main] shutting down")
	return nil
}

func fetchTicket(ctx context.Context, fetcher domain.TicketFetcher, cfg *config.Config) (*domain.Ticket, error) {
	role := domain.Role(cfg.Role)
	glog.Infof("[main] getting ticket for room %s as %s", cfg.RoomID, role)
	ticket, err := fetcher.FetchTicket(ctx, domain.TicketRequest{UserID: cfg.UserID, Role: role, RoomID: cfg.RoomID})
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return ticket, nil
}

// runBroadcast runs a doctor and a patient in this process over an
// in-memory hub.
func runBroadcast(ctx context.Context, cfg *config.Config, loopback bool, rec *media.Recorder) error {
	hub := sigclient.NewHub()
	iceServers := cfg.ICEServers()
	if loopback {
		iceServers = nil
	}

	var doctor *participant
	for _, role := range []domain.Role{domain.RolePatient, domain.RoleDoctor} {
		ctrl, err := newController(cfg, sigclient.NewBroadcast(hub), iceServers, loopback, string(role)+"-"+cfg.UserID)
		if err != nil {
			return err
		}
		defer ctrl.Close()

		p := newParticipant(ctx, string(role), role, ctrl, rec)
		if err := ctrl.Initialize(ctx, cfg.RoomID); err != nil {
			return fmt.Errorf("initialize %s: %w", role, err)
		}
		if role == domain.RoleDoctor {
			doctor = p
		}
	}

	doctor.start()

	<-ctx.Done()
	glog.Infof("[main] shutting down")
	return nil
}
