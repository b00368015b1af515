package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"subaru/pkg/bus"
	"subaru/pkg/config"
)

const channelName = "matrix"

// Adapter bridges a Matrix homeserver into dispatcher events. It syncs as a
// regular user account, joins rooms it is invited to, and replies with
// rendered markdown.
type Adapter struct {
	cfg    config.MatrixConfig
	log    *slog.Logger
	client *mautrix.Client

	startedAt time.Time

	// dmRooms caches the direct room created (or found) per user.
	dmMu    sync.Mutex
	dmRooms map[id.UserID]id.RoomID
}

func NewAdapter(cfg config.MatrixConfig, log *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Homeserver) == "" {
		return nil, errors.New("matrix.homeserver is required")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errors.New("matrix.user_id is required")
	}
	if strings.TrimSpace(cfg.Token) == "" && strings.TrimSpace(cfg.Password) == "" {
		return nil, errors.New("matrix.token or matrix.password is required")
	}

	if log == nil {
		log = slog.Default()
	}

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("initialize matrix client: %w", err)
	}

	return &Adapter{
		cfg:     cfg,
		log:     log.With("component", "channel.matrix"),
		client:  client,
		dmRooms: make(map[id.UserID]id.RoomID),
	}, nil
}

// Name returns the channel identifier used in events and logs.
func (a *Adapter) Name() string {
	return channelName
}

// IsUserID reports whether s looks like a Matrix user identifier. Used by
// the webhook layer to decide between a DM and the default room.
func IsUserID(s string) bool {
	if !strings.HasPrefix(s, "@") {
		return false
	}
	localpart, _, err := id.UserID(s).Parse()
	return err == nil && localpart != ""
}

// Run logs in if needed, then syncs until the context ends. Messages sent
// before startup or by the bot itself are ignored.
func (a *Adapter) Run(ctx context.Context, submit bus.SubmitFunc) error {
	if submit == nil {
		return errors.New("submit is required")
	}

	if err := a.login(ctx); err != nil {
		return err
	}
	a.startedAt = time.Now()

	syncer := a.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		a.onMessage(ctx, evt, submit)
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		a.onMembership(ctx, evt)
	})

	a.log.Info("Matrix channel started", "homeserver", a.cfg.Homeserver, "user_id", a.cfg.UserID)

	for {
		err := a.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			a.log.Error("Sync failed, restarting", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (a *Adapter) login(ctx context.Context) error {
	if strings.TrimSpace(a.cfg.Token) != "" {
		return nil
	}

	resp, err := a.client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: a.cfg.UserID,
		},
		Password:         a.cfg.Password,
		StoreCredentials: true,
	})
	if err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}

	a.log.Info("Logged in to Matrix", "device_id", resp.DeviceID)
	return nil
}

func (a *Adapter) onMessage(ctx context.Context, evt *event.Event, submit bus.SubmitFunc) {
	if evt.Sender == a.client.UserID {
		return
	}
	// Sync replays recent history on startup; old messages are not commands.
	if time.UnixMilli(evt.Timestamp).Before(a.startedAt) {
		return
	}

	content := evt.Content.AsMessage()
	if content == nil || strings.TrimSpace(content.Body) == "" {
		return
	}

	submit(ctx, bus.InboundEvent{
		Type:     bus.EventChatMessage,
		Channel:  channelName,
		SenderID: evt.Sender.String(),
		RoomID:   evt.RoomID.String(),
		Content:  content.Body,
		Metadata: map[string]string{
			"event_id": evt.ID.String(),
		},
	})
}

// onMembership auto-joins rooms the bot is invited to and greets the room.
func (a *Adapter) onMembership(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != a.client.UserID.String() {
		return
	}
	if membership := evt.Content.AsMember().Membership; membership != event.MembershipInvite {
		return
	}

	a.log.Info("Joining room on invite", "room_id", evt.RoomID, "inviter", evt.Sender)
	if _, err := a.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		a.log.Error("Failed to join room", "room_id", evt.RoomID, "error", err)
		return
	}

	greeting := "👋 Hello! I'm up and running. Send `!help` to see what I can do."
	if err := a.sendMarkdown(ctx, evt.RoomID, greeting); err != nil {
		a.log.Warn("Failed to send greeting", "room_id", evt.RoomID, "error", err)
	}
}

// Send delivers one message. When direct is set, target is a user id and the
// message goes to a direct room, created on first contact.
func (a *Adapter) Send(ctx context.Context, target string, direct bool, content string) error {
	roomID := id.RoomID(target)
	if direct {
		var err error
		roomID, err = a.directRoom(ctx, id.UserID(target))
		if err != nil {
			return err
		}
	}

	return a.sendMarkdown(ctx, roomID, content)
}

func (a *Adapter) sendMarkdown(ctx context.Context, roomID id.RoomID, text string) error {
	rendered := format.RenderMarkdown(text, true, false)
	if _, err := a.client.SendMessageEvent(ctx, roomID, event.EventMessage, &rendered); err != nil {
		return fmt.Errorf("send to %s: %w", roomID, err)
	}
	return nil
}

// directRoom returns the direct room shared with the user, creating one and
// caching it when none is known yet.
func (a *Adapter) directRoom(ctx context.Context, userID id.UserID) (id.RoomID, error) {
	a.dmMu.Lock()
	roomID, ok := a.dmRooms[userID]
	a.dmMu.Unlock()
	if ok {
		return roomID, nil
	}

	resp, err := a.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Invite:   []id.UserID{userID},
		IsDirect: true,
		Preset:   "trusted_private_chat",
	})
	if err != nil {
		return "", fmt.Errorf("create direct room with %s: %w", userID, err)
	}

	a.dmMu.Lock()
	a.dmRooms[userID] = resp.RoomID
	a.dmMu.Unlock()

	a.log.Info("Created direct room", "user_id", userID, "room_id", resp.RoomID)
	return resp.RoomID, nil
}
