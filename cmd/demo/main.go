// Command demo is a minimal embedding host: it assembles the full
// pipeline with two console-backed transport channels and one echoing
// intelligence channel, feeds a few inbound messages through it, and
// prints what got delivered. It exists to show the wiring a real host
// performs; nothing in internal/ depends on it.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/roomkit/conversation/internal/v1/breaker"
	"github.com/roomkit/conversation/internal/v1/channel"
	"github.com/roomkit/conversation/internal/v1/config"
	"github.com/roomkit/conversation/internal/v1/framework"
	"github.com/roomkit/conversation/internal/v1/hooks"
	"github.com/roomkit/conversation/internal/v1/identity"
	"github.com/roomkit/conversation/internal/v1/inbound"
	"github.com/roomkit/conversation/internal/v1/lockmgr"
	"github.com/roomkit/conversation/internal/v1/logging"
	"github.com/roomkit/conversation/internal/v1/model"
	"github.com/roomkit/conversation/internal/v1/pipeline"
	"github.com/roomkit/conversation/internal/v1/router"
	"github.com/roomkit/conversation/internal/v1/store"
	"github.com/roomkit/conversation/internal/v1/tracing"
)

// consoleChannel is a transport adapter that writes deliveries to
// stdout. It stands in for an SMS/email/websocket provider client.
type consoleChannel struct {
	id model.ChannelID
}

func (c *consoleChannel) ChannelID() model.ChannelID      { return c.id }
func (c *consoleChannel) ChannelType() string             { return "console" }
func (c *consoleChannel) Category() model.BindingCategory { return model.CategoryTransport }
func (c *consoleChannel) Direction() model.Direction      { return model.DirectionBidirectional }
func (c *consoleChannel) Capabilities() model.Capabilities {
	return model.Capabilities{MediaTypes: []model.ContentKind{model.ContentText}}
}
func (c *consoleChannel) Close() error { return nil }

func (c *consoleChannel) HandleInbound(_ context.Context, msg channel.InboundMessage, _ channel.RoomContext) (model.RoomEvent, error) {
	text, _ := msg.Raw.(string)
	return model.RoomEvent{
		Type:    model.EventMessage,
		Source:  model.EventSource{ChannelID: c.id, ChannelType: "console", Direction: model.DirectionInbound, ParticipantID: msg.ParticipantID},
		Content: model.NewText(text),
	}, nil
}

func (c *consoleChannel) Deliver(_ context.Context, ev model.RoomEvent, _ model.ChannelBinding, _ channel.RoomContext) (channel.DeliveryOutcome, error) {
	fmt.Printf("[%s] <- %s\n", c.id, ev.Content.Text)
	return channel.DeliveryOutcome{}, nil
}

func (c *consoleChannel) OnEvent(context.Context, model.RoomEvent, model.ChannelBinding, channel.RoomContext) (channel.OnEventResult, error) {
	return channel.OnEventResult{}, nil
}

// echoChannel is an intelligence adapter that replies to every message
// event with an uppercase echo. It stands in for an AI model backend.
type echoChannel struct {
	id model.ChannelID
}

func (e *echoChannel) ChannelID() model.ChannelID      { return e.id }
func (e *echoChannel) ChannelType() string             { return "echo" }
func (e *echoChannel) Category() model.BindingCategory { return model.CategoryIntelligence }
func (e *echoChannel) Direction() model.Direction      { return model.DirectionBidirectional }
func (e *echoChannel) Capabilities() model.Capabilities {
	return model.Capabilities{MediaTypes: []model.ContentKind{model.ContentText}}
}
func (e *echoChannel) Close() error { return nil }

func (e *echoChannel) HandleInbound(context.Context, channel.InboundMessage, channel.RoomContext) (model.RoomEvent, error) {
	return model.RoomEvent{}, fmt.Errorf("echo channel is outbound-only")
}

func (e *echoChannel) Deliver(context.Context, model.RoomEvent, model.ChannelBinding, channel.RoomContext) (channel.DeliveryOutcome, error) {
	return channel.DeliveryOutcome{}, nil
}

func (e *echoChannel) OnEvent(_ context.Context, ev model.RoomEvent, _ model.ChannelBinding, _ channel.RoomContext) (channel.OnEventResult, error) {
	if ev.Source.ChannelID == e.id || ev.Type != model.EventMessage {
		return channel.OnEventResult{}, nil
	}
	return channel.OnEventResult{
		ResponseEvents: []model.RoomEvent{{
			ID:      model.NewID[model.EventID](),
			Type:    model.EventMessage,
			Content: model.NewText("echo: " + ev.Content.Text),
		}},
	}, nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment defaults")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		slog.Error("failed to initialize logging", "error", err)
		os.Exit(1)
	}

	tp, err := tracing.InitTracer("conversation-demo", io.Discard)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	st := store.NewMemoryStore()
	channels := channel.NewRegistry()
	fw := framework.NewEmitter()
	fw.OnAny(func(_ context.Context, ev framework.Event) {
		fmt.Printf("    framework: %s\n", ev.Name)
	})

	brk := breaker.NewManager(breaker.Defaults{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTime:     cfg.BreakerRecoveryTime,
		Retry: model.RetryPolicy{
			MaxRetries:      cfg.RetryMaxRetries,
			BaseDelay:       cfg.RetryBaseDelay,
			MaxDelay:        cfg.RetryMaxDelay,
			ExponentialBase: cfg.RetryExponentialBase,
		},
	})

	rt := router.New(st, channels, brk, fw, cfg.MaxChainDepth)
	locks := lockmgr.New(cfg.LockRegistrySize)
	hookEngine := hooks.New()
	idGate := identity.Gate{Resolver: identity.PassThrough, Hooks: hookEngine, Timeout: cfg.IdentityTimeout}
	engine := pipeline.New(st, locks, hookEngine, idGate, inbound.NewStoreRouter(st), rt, channels, fw)
	engine.ProcessTimeout = cfg.ProcessTimeout

	phone := &consoleChannel{id: "sms:+15550100"}
	email := &consoleChannel{id: "email:demo@example.com"}
	assistant := &echoChannel{id: "model:echo"}
	channels.Register(phone)
	channels.Register(email)
	channels.Register(assistant)

	ctx := context.Background()

	// First inbound auto-creates the room and attaches the source channel.
	outcome, err := engine.ProcessInbound(ctx, phone.ChannelID(), channel.InboundMessage{ChannelID: phone.ChannelID(), Raw: "hello"}, "console", false)
	if err != nil {
		slog.Error("process inbound failed", "error", err)
		os.Exit(1)
	}
	room, err := st.GetRoom(ctx, outcome.Event.RoomID)
	if err != nil {
		slog.Error("room lookup failed", "error", err)
		os.Exit(1)
	}

	// Attach the remaining channels so the next message fans out.
	for _, a := range []channel.Adapter{email, assistant} {
		if err := st.AttachBinding(ctx, model.ChannelBinding{
			ChannelID:    a.ChannelID(),
			RoomID:       room.ID,
			ChannelType:  a.ChannelType(),
			Category:     a.Category(),
			Direction:    a.Direction(),
			Access:       model.AccessReadWrite,
			Visibility:   model.VisibilityAll,
			Capabilities: a.Capabilities(),
			AttachedAt:   time.Now(),
		}); err != nil {
			slog.Error("attach binding failed", "error", err)
			os.Exit(1)
		}
	}

	for _, text := range []string{"anyone there?", "what's the plan for today"} {
		outcome, err = engine.ProcessInbound(ctx, phone.ChannelID(), channel.InboundMessage{ChannelID: phone.ChannelID(), Raw: text}, "console", false)
		if err != nil {
			slog.Error("process inbound failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("event %d delivered to %d bindings\n", outcome.Event.Index, len(outcome.DeliveryResults))
	}

	events, err := st.ListEvents(ctx, room.ID, -1, 0)
	if err != nil {
		slog.Error("list events failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("room %s holds %d events\n", room.ID, len(events))
}
