package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"time"

	"modgate/cmd/internal/bus"
	"modgate/cmd/internal/store"
	v1 "modgate/shared/contracts/gateway/v1"
)

// BusListener subscribes to the organization topic space and routes inbound
// bus traffic to the live connections of this gateway instance: storage sync
// fan-out, module-directed requests and notifications, and forced ejection.
type BusListener struct {
	log      *slog.Logger
	registry *Registry
	store    store.Store
	bus      bus.Bus

	// callTimeout bounds a relayed request waiting on the module's reply.
	callTimeout time.Duration
}

func NewBusListener(log *slog.Logger, reg *Registry, st store.Store, b bus.Bus) *BusListener {
	return &BusListener{
		log:         log,
		registry:    reg,
		store:       st,
		bus:         b,
		callTimeout: defaultRelayTimeout,
	}
}

// Run consumes bus messages until ctx is done. Each message is handled on
// its own goroutine so a slow module reply never stalls the stream.
func (l *BusListener) Run(ctx context.Context) error {
	msgs, err := l.bus.Subscribe(ctx, topicPattern)
	if err != nil {
		return err
	}
	l.log.Info("bus.listen", "pattern", topicPattern)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			go l.handle(ctx, msg)
		}
	}
}

func (l *BusListener) handle(ctx context.Context, msg bus.Message) {
	orgID, msgType, extraID, ok := parseTopic(msg.Topic)
	if !ok {
		l.log.Debug("bus.topic.skip", "topic", msg.Topic)
		return
	}
	metricBusMessages.WithLabelValues(msgType).Inc()

	switch msgType {
	case msgTypeStorage:
		l.handleStorage(ctx, orgID, msg)
	case msgTypeModule:
		l.handleModule(ctx, orgID, extraID, msg)
	case msgTypeModuleEject:
		l.handleEject(orgID, extraID)
	default:
		l.log.Debug("bus.type.skip", "topic", msg.Topic, "type", msgType)
	}
}

// handleStorage fans a changed key's current value out to every connected
// session of the organization that subscribed to that key.
func (l *BusListener) handleStorage(ctx context.Context, orgID string, msg bus.Message) {
	var key string
	if err := json.Unmarshal(msg.Data, &key); err != nil {
		// Foreign publishers may skip the JSON string quoting.
		key = string(msg.Data)
	}
	if key == "" {
		return
	}

	value, err := l.store.GetValue(ctx, orgID, key)
	if err != nil {
		if !store.IsNotFound(err) {
			l.log.Error("bus.storage.lookup.fail", "organization_id", orgID, "key", key, "err", err)
		}
		return
	}

	sessions, err := l.store.ListOrganizationSessions(ctx, orgID)
	if err != nil {
		l.log.Error("bus.storage.sessions.fail", "organization_id", orgID, "err", err)
		return
	}

	params := v1.StorageSyncParams{Key: key, Value: value}
	for _, sess := range sessions {
		if !slices.Contains(sess.SubscribedKeys, key) {
			continue
		}
		entry, ok := l.registry.Get(sess.ID)
		if !ok {
			// Session lives on another gateway instance.
			continue
		}
		if err := entry.Peer.Notify(ctx, v1.MethodStorageSync, params); err != nil {
			l.log.Info("bus.storage.notify.fail", "connection_id", sess.ID, "key", key, "err", err)
		}
	}
}

// moduleDirective is the payload of an organization.{org}.module.{connID}
// message: either a notification or a request expecting a reply.
type moduleDirective struct {
	Notification bool            `json:"notification,omitempty"`
	Method       string          `json:"method"`
	Params       json.RawMessage `json:"params,omitempty"`
}

type moduleRelayReply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// handleModule relays a bus-originated directive into the target module's
// connection, replying over the bus when the directive is a request.
func (l *BusListener) handleModule(ctx context.Context, orgID, connID string, msg bus.Message) {
	entry, ok := l.registry.Get(connID)
	if !ok {
		// Another instance owns the connection, or it is already gone.
		return
	}

	var d moduleDirective
	if err := json.Unmarshal(msg.Data, &d); err != nil || d.Method == "" {
		l.log.Info("bus.module.payload.invalid", "organization_id", orgID, "connection_id", connID)
		return
	}

	if d.Notification {
		if err := entry.Peer.Notify(ctx, d.Method, d.Params); err != nil {
			l.log.Info("bus.module.notify.fail", "connection_id", connID, "err", err)
		}
		return
	}

	result, err := entry.Peer.Call(ctx, d.Method, d.Params, l.callTimeout)
	if err != nil {
		if errors.Is(err, ErrCallTimeout) {
			metricRelayTimeouts.Inc()
		}
		l.reply(ctx, msg, moduleRelayReply{Error: err.Error()})
		return
	}
	l.reply(ctx, msg, moduleRelayReply{Result: result})
}

func (l *BusListener) reply(ctx context.Context, msg bus.Message, r moduleRelayReply) {
	if err := l.bus.Reply(ctx, msg, r); err != nil {
		l.log.Info("bus.reply.fail", "reply_to", msg.ReplyTo, "err", err)
	}
}

// handleEject force-closes a connection on demand (operator or control
// plane initiated).
func (l *BusListener) handleEject(orgID, connID string) {
	entry, ok := l.registry.Get(connID)
	if !ok {
		return
	}
	l.log.Info("bus.module.eject", "organization_id", orgID, "connection_id", connID)
	entry.Shutdown("ejected")
}
