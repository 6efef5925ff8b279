package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/midrender/midrender/pkg/log"
	"github.com/midrender/midrender/pkg/types"
	"github.com/rs/zerolog"
)

// Task is one chunk of work handed to the executor.
type Task struct {
	Manifest   types.Manifest
	FrameStart int
	FrameEnd   int
}

// Result is the executor's verdict on a task.
type Result struct {
	Success   bool
	Error     string
	ExitCode  int
	ElapsedMS int64
}

// Executor renders one chunk. onFrame is invoked after each finished
// frame when the executor can tell frames apart; it may never be
// called for whole-chunk commands.
type Executor interface {
	Render(ctx context.Context, task *Task, onFrame func(frame int)) Result
}

// CommandSpec is the manifest's command descriptor. Args may contain
// the placeholders {frame}, {frame_start}, {frame_end}, {output_dir}
// and {job_id}; an arg containing {frame} switches the executor to a
// per-frame loop.
type CommandSpec struct {
	Executable string            `json:"executable"`
	Args       []string          `json:"args,omitempty"`
	WorkDir    string            `json:"work_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// CommandExecutor runs the manifest command as a child process and
// captures its stdout to the shared filesystem so any node can inspect
// a chunk's output.
type CommandExecutor struct {
	farmPath string
	nodeID   string
	logger   zerolog.Logger
}

func NewCommandExecutor(farmPath, nodeID string) *CommandExecutor {
	return &CommandExecutor{
		farmPath: farmPath,
		nodeID:   nodeID,
		logger:   log.WithComponent("render"),
	}
}

func (e *CommandExecutor) Render(ctx context.Context, task *Task, onFrame func(frame int)) Result {
	started := time.Now()
	fail := func(msg string, exitCode int) Result {
		return Result{Error: msg, ExitCode: exitCode, ElapsedMS: time.Since(started).Milliseconds()}
	}

	var spec CommandSpec
	if len(task.Manifest.Command) == 0 {
		return fail("manifest has no command descriptor", -1)
	}
	if err := json.Unmarshal(task.Manifest.Command, &spec); err != nil {
		return fail(fmt.Sprintf("malformed command descriptor: %v", err), -1)
	}
	if spec.Executable == "" {
		return fail("command descriptor has no executable", -1)
	}

	logFile, err := e.openLogFile(task)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to open chunk stdout log, discarding output")
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if perFrame(spec.Args) {
		for frame := task.FrameStart; frame <= task.FrameEnd; frame++ {
			if err := e.runOnce(ctx, &spec, task, frame, logFile); err != nil {
				return fail(fmt.Sprintf("frame %d: %v", frame, err), exitCode(err))
			}
			if onFrame != nil {
				onFrame(frame)
			}
		}
	} else {
		if err := e.runOnce(ctx, &spec, task, task.FrameStart, logFile); err != nil {
			return fail(err.Error(), exitCode(err))
		}
	}

	return Result{Success: true, ElapsedMS: time.Since(started).Milliseconds()}
}

func (e *CommandExecutor) runOnce(ctx context.Context, spec *CommandSpec, task *Task, frame int, logFile *os.File) error {
	args := make([]string, len(spec.Args))
	for i, arg := range spec.Args {
		args[i] = expandArg(arg, task, frame)
	}

	cmd := exec.CommandContext(ctx, spec.Executable, args...)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("render timed out after %ds", task.Manifest.TimeoutSeconds)
	}
	return err
}

// openLogFile creates jobs/<job>/stdout/<node>/<range>_<ts>.log on the
// shared filesystem.
func (e *CommandExecutor) openLogFile(task *Task) (*os.File, error) {
	if e.farmPath == "" {
		return nil, nil
	}
	dir := filepath.Join(e.farmPath, "jobs", task.Manifest.JobID, "stdout", e.nodeID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%d-%d_%d.log", task.FrameStart, task.FrameEnd, time.Now().UnixMilli())
	return os.Create(filepath.Join(dir, name))
}

func perFrame(args []string) bool {
	for _, arg := range args {
		if strings.Contains(arg, "{frame}") {
			return true
		}
	}
	return false
}

func expandArg(arg string, task *Task, frame int) string {
	r := strings.NewReplacer(
		"{frame}", strconv.Itoa(frame),
		"{frame_start}", strconv.Itoa(task.FrameStart),
		"{frame_end}", strconv.Itoa(task.FrameEnd),
		"{output_dir}", task.Manifest.OutputDir,
		"{job_id}", task.Manifest.JobID,
	)
	return r.Replace(arg)
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
