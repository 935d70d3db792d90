package agent

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/epiloop/epiloop/pkg/protocol"
)

// ExecRunner runs an external agent program per request. The prompt goes
// to stdin; stdout streams back as blocks with a boundary at every blank
// line. A non-zero exit is a failed run.
type ExecRunner struct {
	Argv []string
	// Env entries are appended to the inherited environment.
	Env []string
}

// NewExecRunner builds a runner for argv. Argv must be non-empty.
func NewExecRunner(argv []string) (*ExecRunner, error) {
	if len(argv) == 0 {
		return nil, protocol.NewError(protocol.KindRunner, "", "agent command is not configured")
	}
	return &ExecRunner{Argv: argv}, nil
}

func (r *ExecRunner) Run(ctx context.Context, req Request, emit func(Block)) (Status, error) {
	cmd := exec.CommandContext(ctx, r.Argv[0], r.Argv[1:]...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(cmd.Environ(),
		"EPILOOP_SESSION_KEY="+string(req.SessionKey),
		"EPILOOP_AGENT_ID="+req.Route.AgentID,
	)
	if req.Route.Model != "" {
		cmd.Env = append(cmd.Env, "EPILOOP_MODEL="+req.Route.Model)
	}
	cmd.Env = append(cmd.Env, r.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Status{Outcome: OutcomeFailed, Error: err.Error()}, fmt.Errorf("agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Status{Outcome: OutcomeFailed, Error: err.Error()},
			protocol.WrapError(protocol.KindRunner, "", "agent start failed", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var para strings.Builder
	flush := func() {
		if para.Len() == 0 {
			return
		}
		emit(Block{Text: para.String(), Boundary: true})
		para.Reset()
	}
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flush()
			continue
		}
		if para.Len() > 0 {
			para.WriteByte('\n')
		}
		para.WriteString(line)
	}
	flush()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return Status{Outcome: OutcomeCancelled, Error: ctx.Err().Error()}, nil
		}
		return Status{Outcome: OutcomeFailed, Error: err.Error()}, nil
	}
	if err := scanner.Err(); err != nil {
		return Status{Outcome: OutcomeFailed, Error: err.Error()}, nil
	}
	return Status{Outcome: OutcomeCompleted}, nil
}
