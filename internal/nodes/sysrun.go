package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"

	"github.com/epiloop/epiloop/internal/store"
	"github.com/epiloop/epiloop/pkg/protocol"
)

type sysRunParams struct {
	Command string `json:"command"`
}

type sysRunResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exitCode"`
}

// RegisterSystemRun wires system.run behind the approvals allowlist.
// Anything whose program token is not approved is denied with a stable
// code the operator can act on.
func RegisterSystemRun(n *Node, allow *store.Allowlist) {
	n.Handle(protocol.NodeSystemRun, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p sysRunParams
		if err := json.Unmarshal(params, &p); err != nil || p.Command == "" {
			return nil, protocol.NewError(protocol.KindNodeRPC, "", "system.run requires a command")
		}
		if !allow.Allowed(p.Command) {
			return nil, protocol.NewError(protocol.KindNodeRPC, protocol.CodeSystemRunDenied,
				"command not on the approvals allowlist: "+p.Command)
		}

		out, err := exec.CommandContext(ctx, "sh", "-c", p.Command).CombinedOutput()
		result := sysRunResult{Output: string(out)}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitCode()
				return result, nil
			}
			return nil, protocol.WrapError(protocol.KindNodeRPC, "", "system.run", err)
		}
		return result, nil
	})
}
