package lifted

import (
	"encoding/json"

	relayerrors "github.com/grovetools/devrelay/errors"
)

// Lifted command types carried by DISPATCH messages.
const (
	CommandReset        = "RESET"
	CommandCommit       = "COMMIT"
	CommandRollback     = "ROLLBACK"
	CommandSweep        = "SWEEP"
	CommandToggleAction = "TOGGLE_ACTION"
	CommandJumpToState  = "JUMP_TO_STATE"
	CommandJumpToAction = "JUMP_TO_ACTION"
)

// Command is a history operation requested by an inspector.
type Command struct {
	Type     string `json:"type"`
	Index    int    `json:"index,omitempty"`
	ActionID int    `json:"actionId,omitempty"`
}

// ParseCommand decodes a DISPATCH payload.
func ParseCommand(raw json.RawMessage) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, relayerrors.Wrap(err, relayerrors.ErrCodeMalformedMessage, "invalid lifted command")
	}
	if cmd.Type == "" {
		return Command{}, relayerrors.Malformed("lifted command without type")
	}
	return cmd, nil
}
