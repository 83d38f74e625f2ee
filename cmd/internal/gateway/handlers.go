package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"modgate/cmd/internal/bus"
	"modgate/cmd/internal/store"
	v1 "modgate/shared/contracts/gateway/v1"
)

// Handlers implements the RPC methods modules may invoke.
//
// Every handler outcome is a (result, *v1.Error, close) triple: the closed
// error taxonomy from the contract package, plus whether the failure leaves
// the connection with no further legitimate use.
type Handlers struct {
	log      *slog.Logger
	store    store.Store
	bus      bus.Bus
	registry *Registry

	now func() time.Time
}

// NewHandlers constructs the method handler set.
func NewHandlers(log *slog.Logger, st store.Store, b bus.Bus, reg *Registry) *Handlers {
	return &Handlers{
		log:      log,
		store:    st,
		bus:      b,
		registry: reg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle dispatches one inbound request or notification.
// closeConn reports whether the connection must be force-closed afterwards.
func (h *Handlers) Handle(ctx context.Context, connID string, req v1.Request) (result any, rpcErr *v1.Error, closeConn bool) {
	switch req.Method {
	case v1.MethodSessionRegister:
		result, rpcErr, closeConn = h.register(ctx, connID, req.Params)
	case v1.MethodEventNew:
		result, rpcErr = h.eventNew(ctx, connID, req.Params)
	case v1.MethodStorageGet:
		result, rpcErr = h.storageGet(ctx, connID, req.Params)
	case v1.MethodStorageSet:
		result, rpcErr = h.storageSet(ctx, connID, req.Params)
	default:
		rpcErr = v1.ErrMethodNotFound(req.Method)
	}

	outcome := "ok"
	if rpcErr != nil {
		outcome = "error"
	}
	metricRPCRequests.WithLabelValues(req.Method, outcome).Inc()

	return result, rpcErr, closeConn
}

// register implements session.register. All failures except the defensive
// UnknownClient check also force-close the socket: an unregistered connection
// that cannot register has nothing left to do.
func (h *Handlers) register(ctx context.Context, connID string, raw json.RawMessage) (any, *v1.Error, bool) {
	if _, ok := h.registry.Get(connID); !ok {
		return nil, v1.ErrUnknownClient(), false
	}

	var params v1.RegisterParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, v1.ErrInvalidParams([]v1.Issue{{Field: "params", Message: "malformed params object"}}), true
	}
	if issues := params.Validate(); issues != nil {
		return nil, v1.ErrInvalidParams(issues), true
	}

	mod, err := h.store.FindModuleByCredentials(ctx, params.Code, params.Name, params.Token)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, v1.ErrUnknownModule(), true
		}
		h.log.Error("register.module_lookup.fail", "connection_id", connID, "err", err)
		return nil, v1.ErrInternal(""), false
	}

	// Exactly-once per connection and per module identity.
	if _, err := h.store.GetSession(ctx, connID); err == nil {
		return nil, v1.ErrModuleAlreadyConnected(), true
	} else if !store.IsNotFound(err) {
		h.log.Error("register.session_lookup.fail", "connection_id", connID, "err", err)
		return nil, v1.ErrInternal(""), false
	}
	if _, err := h.store.FindSessionByIdentity(ctx, mod.Code, mod.Name, mod.OrganizationID); err == nil {
		return nil, v1.ErrModuleAlreadyConnected(), true
	} else if !store.IsNotFound(err) {
		h.log.Error("register.identity_lookup.fail", "connection_id", connID, "err", err)
		return nil, v1.ErrInternal(""), false
	}

	subs := params.Subs
	if subs == nil {
		subs = []string{}
	}

	err = h.store.CreateSession(ctx, store.SessionRecord{
		ID:             connID,
		ModuleID:       mod.ID,
		SubscribedKeys: subs,
		LastMessageAt:  h.now(),
	})
	if err != nil {
		if store.IsConflict(err) {
			return nil, v1.ErrModuleAlreadyConnected(), true
		}
		h.log.Error("register.session_create.fail", "connection_id", connID, "err", err)
		return nil, v1.ErrInternal(""), false
	}

	metricSessionsRegistered.Inc()
	h.log.Info("session.register",
		"connection_id", connID,
		"module_code", mod.Code,
		"module_name", mod.Name,
		"organization_id", mod.OrganizationID,
		"subs", len(subs),
	)

	params2 := make([]v1.ModuleParam, 0, len(mod.Params))
	for _, p := range mod.Params {
		params2 = append(params2, v1.ModuleParam{Key: p.Key, Value: p.Value})
	}
	return params2, nil, false
}

// eventNew implements event.new.
func (h *Handlers) eventNew(ctx context.Context, connID string, raw json.RawMessage) (any, *v1.Error) {
	_, mod, rpcErr := h.requireSession(ctx, connID)
	if rpcErr != nil {
		return nil, rpcErr
	}

	var params v1.EventNewParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, v1.ErrInvalidParams([]v1.Issue{{Field: "params", Message: "malformed params object"}})
	}
	if issues := params.Validate(); issues != nil {
		return nil, v1.ErrInvalidParams(issues)
	}

	now := h.now()
	id, err := NewEventID(now)
	if err != nil {
		h.log.Error("event.id.fail", "connection_id", connID, "err", err)
		return nil, v1.ErrInternal("")
	}

	rec := store.EventRecord{
		ID:             id,
		Name:           params.Name,
		Payload:        params.Payload,
		EmitterCode:    mod.Code,
		EmitterName:    mod.Name,
		EmittedAt:      now,
		OrganizationID: mod.OrganizationID,
	}
	if err := h.store.CreateEvent(ctx, rec); err != nil {
		h.log.Error("event.create.fail", "connection_id", connID, "err", err)
		return nil, v1.ErrInternal("")
	}

	// Fan the event id out so SSE streams and other consumers can react.
	// Publish failures do not undo the persisted event.
	if err := h.bus.Publish(ctx, TopicEventsGlobal, rec.ID); err != nil {
		h.log.Warn("event.publish.global.fail", "event_id", rec.ID, "err", err)
	}
	if err := h.bus.Publish(ctx, OrgEventsTopic(mod.OrganizationID), rec.ID); err != nil {
		h.log.Warn("event.publish.org.fail", "event_id", rec.ID, "err", err)
	}

	return v1.EventRecord{
		ID:             rec.ID,
		Name:           rec.Name,
		Payload:        rec.Payload,
		EmitterCode:    rec.EmitterCode,
		EmitterName:    rec.EmitterName,
		EmittedAt:      rec.EmittedAt,
		OrganizationID: rec.OrganizationID,
	}, nil
}

// storageGet implements storage.get.
func (h *Handlers) storageGet(ctx context.Context, connID string, raw json.RawMessage) (any, *v1.Error) {
	_, mod, rpcErr := h.requireSession(ctx, connID)
	if rpcErr != nil {
		return nil, rpcErr
	}

	var params v1.StorageGetParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, v1.ErrInvalidParams([]v1.Issue{{Field: "params", Message: "malformed params object"}})
	}
	if issues := params.Validate(); issues != nil {
		return nil, v1.ErrInvalidParams(issues)
	}

	value, err := h.store.GetValue(ctx, mod.OrganizationID, params.Key)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, v1.ErrUnknownKey(params.Key)
		}
		h.log.Error("storage.get.fail", "connection_id", connID, "key", params.Key, "err", err)
		return nil, v1.ErrInternal("")
	}
	return value, nil
}

// storageSet implements storage.set.
func (h *Handlers) storageSet(ctx context.Context, connID string, raw json.RawMessage) (any, *v1.Error) {
	_, mod, rpcErr := h.requireSession(ctx, connID)
	if rpcErr != nil {
		return nil, rpcErr
	}

	var params v1.StorageSetParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, v1.ErrInvalidParams([]v1.Issue{{Field: "params", Message: "malformed params object"}})
	}
	if issues := params.Validate(); issues != nil {
		return nil, v1.ErrInvalidParams(issues)
	}

	if err := h.store.SetValue(ctx, mod.OrganizationID, params.Key, params.Value); err != nil {
		h.log.Error("storage.set.fail", "connection_id", connID, "key", params.Key, "err", err)
		return nil, v1.ErrInternal("")
	}

	// Notify subscribers (on every gateway instance) that the key changed.
	if err := h.bus.Publish(ctx, OrgStorageTopic(mod.OrganizationID), params.Key); err != nil {
		h.log.Warn("storage.publish.fail", "key", params.Key, "err", err)
	}

	return params.Value, nil
}

// requireSession guards session-scoped methods: the connection must be live
// in the registry and have a persisted session. It also refreshes the
// session's last-message timestamp.
func (h *Handlers) requireSession(ctx context.Context, connID string) (store.SessionRecord, store.ModuleRecord, *v1.Error) {
	if _, ok := h.registry.Get(connID); !ok {
		return store.SessionRecord{}, store.ModuleRecord{}, v1.ErrUnknownClient()
	}

	sess, mod, err := h.store.GetSessionModule(ctx, connID)
	if err != nil {
		if store.IsNotFound(err) {
			return store.SessionRecord{}, store.ModuleRecord{}, v1.ErrUnknownClientOrNotConnected()
		}
		h.log.Error("session.lookup.fail", "connection_id", connID, "err", err)
		return store.SessionRecord{}, store.ModuleRecord{}, v1.ErrInternal("")
	}

	if err := h.store.TouchSession(ctx, connID, h.now()); err != nil && !errors.Is(err, context.Canceled) {
		h.log.Warn("session.touch.fail", "connection_id", connID, "err", err)
	}

	return sess, mod, nil
}
