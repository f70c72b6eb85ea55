package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-vision/modules/emitter"
)

// Command is a control message received over MQTT.
type Command struct {
	Command   string          `json:"command"`
	RequestID string          `json:"request_id,omitempty"`
	ServiceID string          `json:"service_id,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// CommandResponse answers a Command on the response topic.
type CommandResponse struct {
	CommandAck string    `json:"command_ack"`
	RequestID  string    `json:"request_id,omitempty"`
	Status     string    `json:"status"`
	Data       any       `json:"data,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const commandQueueSize = 10

// CommandHandler executes control commands published on
// <prefix>/control and replies on <prefix>/control/response.
//
// Supported commands: get_status, list_services, start_service,
// stop_service, delete_service, get_result.
type CommandHandler struct {
	h             *Handler
	client        mqtt.Client
	topic         string
	responseTopic string
	qos           byte
	commands      chan Command
	logger        *slog.Logger
}

func NewCommandHandler(h *Handler, client mqtt.Client, prefix string, qos byte) *CommandHandler {
	return &CommandHandler{
		h:             h,
		client:        client,
		topic:         prefix + "/control",
		responseTopic: prefix + "/control/response",
		qos:           qos,
		commands:      make(chan Command, commandQueueSize),
		logger:        h.logger,
	}
}

// Topic is the command topic.
func (c *CommandHandler) Topic() string {
	return c.topic
}

// Subscribe (re)subscribes to the command topic.
func (c *CommandHandler) Subscribe() error {
	token := c.client.Subscribe(c.topic, c.qos, c.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscribe %s: timeout", c.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscribe %s: %w", c.topic, err)
	}
	return nil
}

// Start subscribes and processes commands until ctx ends.
func (c *CommandHandler) Start(ctx context.Context) error {
	if err := c.Subscribe(); err != nil {
		return err
	}
	c.logger.Info("control: command handler started", "topic", c.topic)
	go c.processCommands(ctx)
	return nil
}

// Bind restores the subscription whenever the publisher reconnects.
func (c *CommandHandler) Bind(m *emitter.MQTT) {
	m.OnConnect(func(mqtt.Client) {
		if err := c.Subscribe(); err != nil {
			c.logger.Warn("control: resubscribe failed", "error", err)
		}
	})
}

// Stop unsubscribes. Queued commands are abandoned once the Start context
// ends.
func (c *CommandHandler) Stop() error {
	if c.client != nil && c.client.IsConnected() {
		c.client.Unsubscribe(c.topic).WaitTimeout(2 * time.Second)
	}
	c.logger.Info("control: command handler stopped")
	return nil
}

func (c *CommandHandler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		c.logger.Error("control: invalid command payload", "error", err)
		c.respond(CommandResponse{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	c.logger.Info("control: command received", "command", cmd.Command, "service_id", cmd.ServiceID)

	select {
	case c.commands <- cmd:
	default:
		c.logger.Warn("control: command queue full, dropping command", "command", cmd.Command)
		c.respond(CommandResponse{CommandAck: cmd.Command, RequestID: cmd.RequestID, Status: "error", Error: "command queue full"})
	}
}

func (c *CommandHandler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.commands:
			c.respond(c.execute(cmd))
		}
	}
}

var errMissingServiceID = errors.New("missing service_id")

func (c *CommandHandler) execute(cmd Command) CommandResponse {
	resp := CommandResponse{CommandAck: cmd.Command, RequestID: cmd.RequestID, Status: "success"}
	data, err := c.dispatch(cmd)
	if err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}
	resp.Data = data
	return resp
}

func (c *CommandHandler) dispatch(cmd Command) (any, error) {
	mgr := c.h.manager

	switch cmd.Command {
	case "get_status":
		return map[string]any{
			"active_services":            mgr.Len(),
			"available_detectors":        c.h.reg.DetectorTags(),
			"available_stream_protocols": c.h.reg.SourceTags(),
			"uptime_seconds":             time.Since(c.h.startedAt).Seconds(),
		}, nil

	case "list_services":
		return mgr.List(), nil

	case "start_service":
		var req StartDetectionRequest
		if err := json.Unmarshal(cmd.Params, &req); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		cfg, err := req.serviceConfig(c.h.resolveDevice)
		if err != nil {
			return nil, err
		}
		cfg.ID = cmd.ServiceID
		id, err := c.h.startAsync(cfg)
		if err != nil {
			return nil, err
		}
		return map[string]any{"service_id": id, "status": "starting"}, nil

	case "stop_service", "delete_service":
		if cmd.ServiceID == "" {
			return nil, errMissingServiceID
		}
		if _, err := mgr.Get(cmd.ServiceID); err != nil {
			return nil, err
		}
		id := cmd.ServiceID
		c.h.background(cmd.Command, id, func(ctx context.Context) error {
			return mgr.Remove(ctx, id)
		})
		return map[string]any{"service_id": id, "status": "stopping"}, nil

	case "get_result":
		if cmd.ServiceID == "" {
			return nil, errMissingServiceID
		}
		svc, err := mgr.Get(cmd.ServiceID)
		if err != nil {
			return nil, err
		}
		r, ok := svc.LatestResult(context.Background(), minResultTimeout)
		if !ok {
			return map[string]any{"service_id": cmd.ServiceID, "result": nil}, nil
		}
		return map[string]any{"service_id": cmd.ServiceID, "result": emitter.NewPayload(cmd.ServiceID, r)}, nil

	default:
		return nil, fmt.Errorf("unknown command %q", cmd.Command)
	}
}

func (c *CommandHandler) respond(resp CommandResponse) {
	resp.Timestamp = time.Now()
	payload, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("control: marshal response", "error", err)
		return
	}
	token := c.client.Publish(c.responseTopic, c.qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		c.logger.Warn("control: response publish timeout", "command", resp.CommandAck)
		return
	}
	if err := token.Error(); err != nil {
		c.logger.Warn("control: response publish failed", "command", resp.CommandAck, "error", err)
	}
}
