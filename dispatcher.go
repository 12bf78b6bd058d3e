package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// dispatcher turns peer notifications into Events for the configured sink.
type dispatcher struct {
	server  string
	sink    EventSink
	logger  *slog.Logger
	metrics *Metrics
}

var errUnhandledNotification = errors.New("unhandled notification method")

func (d *dispatcher) dispatch(n *Notification) {
	d.metrics.countNotification(d.server, n.Method)

	if d.sink == nil {
		d.logger.Debug("received notification", "server", d.server, "method", n.Method)
		return
	}

	ev, err := notificationEvent(d.server, n)
	if errors.Is(err, errUnhandledNotification) {
		d.logger.Warn("unhandled notification method", "server", d.server, "method", n.Method)
		return
	}
	if err != nil {
		d.logger.Warn(fmt.Sprintf("received '%s' notification with invalid params", n.Method),
			"server", d.server, "err", err, "params", string(n.Params))
		return
	}

	d.logger.Debug("dispatching event", "server", d.server, "event", ev.EventName())
	d.deliver(ev)
}

// deliver hands ev to the sink. Failures of the sink are logged and go no further.
func (d *dispatcher) deliver(ev Event) {
	if d.sink == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event sink panicked", "server", d.server, "event", ev.EventName(), "panic", r)
		}
	}()

	if err := d.sink.HandleEvent(ev); err != nil {
		d.logger.Error("error during event dispatch", "server", d.server, "event", ev.EventName(), "err", err)
	}
}

func notificationEvent(server string, n *Notification) (Event, error) {
	src := EventSource{ServerName: server}

	switch n.Method {
	case MethodNotificationsToolsListChanged, methodNotificationsToolsListChangedAlias:
		return ToolsListChanged{EventSource: src}, nil
	case MethodNotificationsResourcesListChanged, methodNotificationsResourcesListChangedAlias:
		return ResourcesListChanged{EventSource: src}, nil
	case MethodNotificationsPromptsListChanged, methodNotificationsPromptsListChangedAlias:
		return PromptsListChanged{EventSource: src}, nil
	case MethodNotificationsResourcesDidChange, methodNotificationsResourcesUpdated:
		uri, err := uriParam(n.Params)
		if err != nil {
			return nil, err
		}
		return ResourceChanged{EventSource: src, URI: uri}, nil
	case MethodNotificationsLoggingLog, methodNotificationsMessage:
		params, err := objectParams(n.Params)
		if err != nil {
			return nil, err
		}
		return LogReceived{EventSource: src, Params: params}, nil
	case MethodSamplingCreateMessage:
		params, err := objectParams(n.Params)
		if err != nil {
			return nil, err
		}
		return SamplingRequestReceived{EventSource: src, Params: params}, nil
	default:
		return nil, errUnhandledNotification
	}
}

func objectParams(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, errors.New("missing params")
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("params must be an object: %w", err)
	}
	if params == nil {
		return nil, errors.New("params must be an object")
	}
	return params, nil
}

func uriParam(raw json.RawMessage) (string, error) {
	params, err := objectParams(raw)
	if err != nil {
		return "", err
	}
	uri, ok := params["uri"].(string)
	if !ok || uri == "" {
		return "", errors.New("missing or invalid 'uri' param")
	}
	return uri, nil
}
