package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/dotside-studios/davi-pcsc-bridge/lifecycle"
	"github.com/dotside-studios/davi-pcsc-bridge/protocol"
)

// CommandHandler routes operator commands to the bridge.
type CommandHandler struct {
	controller Controller
}

// NewCommandHandler creates a handler for the reinitialize commands.
func NewCommandHandler(controller Controller) *CommandHandler {
	return &CommandHandler{controller: controller}
}

// Register adds the command routes to the registry.
func (h *CommandHandler) Register(r *HandlerRegistry) error {
	if err := r.Handle(protocol.WSTypeManualReinitialize, h.handleManual); err != nil {
		return err
	}
	return r.Handle(protocol.WSTypeForceReinitialize, h.handleForce)
}

func (h *CommandHandler) handleManual(ctx context.Context, obs *Observer, req protocol.WebSocketRequest) error {
	return h.reply(obs, req, h.controller.ManualReinitialize())
}

func (h *CommandHandler) handleForce(ctx context.Context, obs *Observer, req protocol.WebSocketRequest) error {
	return h.reply(obs, req, h.controller.ForceReinitialize())
}

func (h *CommandHandler) reply(obs *Observer, req protocol.WebSocketRequest, err error) error {
	if err != nil {
		code := protocol.ErrCodeUnavailable
		if errors.Is(err, lifecycle.ErrThrottled) {
			code = protocol.ErrCodeThrottled
		}
		obs.SendError(req.ID, code, err.Error())
		return fmt.Errorf("%s: %w", req.Type, err)
	}

	obs.SendResponse(req.ID, protocol.WSTypeCommandResponse, protocol.CommandResultPayload{
		Command:  req.Type,
		Accepted: true,
	})
	return nil
}
