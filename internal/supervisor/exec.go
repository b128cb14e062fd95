package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/fxgrid/trading-orchestrator/internal/ipc"
)

// ExecLauncher spawns workers as subprocesses of the orchestrator binary
// using the worker subcommand. Worker stderr is inherited so zap output from
// all processes interleaves on the orchestrator's stderr.
type ExecLauncher struct {
	logger     *zap.Logger
	configPath string
	// binary overrides the executable path, for tests.
	binary string
}

// NewExecLauncher creates a launcher that re-executes the current binary.
func NewExecLauncher(logger *zap.Logger, configPath string) *ExecLauncher {
	return &ExecLauncher{logger: logger.Named("launcher"), configPath: configPath}
}

// Launch starts one worker process for the account.
func (l *ExecLauncher) Launch(ctx context.Context, accountID string) (Transport, error) {
	bin := l.binary
	if bin == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		bin = self
	}

	cmd := exec.Command(bin, "worker", "--account", accountID, "--config", l.configPath)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	l.logger.Info("worker process started",
		zap.String("account", accountID), zap.Int("pid", cmd.Process.Pid))

	t := &execTransport{
		cmd:     cmd,
		enc:     ipc.NewEncoder(stdin),
		stdin:   stdin,
		results: make(chan ipc.Result, 64),
		done:    make(chan error, 1),
	}

	go t.readLoop(stdout)
	go func() { t.done <- cmd.Wait() }()
	return t, nil
}

type execTransport struct {
	cmd   *exec.Cmd
	enc   *ipc.Encoder
	stdin io.WriteCloser

	results chan ipc.Result
	done    chan error

	closeOnce sync.Once
}

func (t *execTransport) readLoop(r io.Reader) {
	defer close(t.results)
	dec := ipc.NewDecoder(r)
	for {
		var res ipc.Result
		if err := dec.Decode(&res); err != nil {
			return
		}
		t.results <- res
	}
}

func (t *execTransport) Send(cmd ipc.Command) error { return t.enc.Encode(cmd) }

func (t *execTransport) Results() <-chan ipc.Result { return t.results }

func (t *execTransport) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.stdin.Close() })
	return err
}

func (t *execTransport) ForceKill() error {
	_ = t.Close()
	if t.cmd.Process == nil {
		return nil
	}
	return t.cmd.Process.Kill()
}

func (t *execTransport) Done() <-chan error { return t.done }
