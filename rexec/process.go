// Package rexec runs external solver executables as blocking one-shot processes.
package rexec

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/recon/logging"
)

// ProcessConfig describes how to run an external process.
type ProcessConfig struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Args        []string          `json:"args"`
	CWD         string            `json:"cwd"`
	Environment map[string]string `json:"env,omitempty"`
	OneShot     bool              `json:"one_shot"`
	Log         bool              `json:"log"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (config ProcessConfig) Validate() error {
	if config.ID == "" {
		return errors.New("process config must have an id")
	}
	if config.Name == "" {
		return errors.Errorf("process %q must have a name", config.ID)
	}
	if config.Timeout < 0 {
		return errors.Errorf("process %q has a negative timeout", config.ID)
	}
	return nil
}

// Result is what a finished one-shot process produced.
type Result struct {
	ExitCode int
	Duration time.Duration
	// Tail holds the last lines of combined output, for error reports.
	Tail []string
}

const tailLines = 20

// RunOneShot runs the process to completion. The process is killed when ctx is done or the
// configured timeout elapses, and the context error is returned in that case.
func RunOneShot(ctx context.Context, config ProcessConfig, logger logging.Logger) (Result, error) {
	if err := config.Validate(); err != nil {
		return Result{}, err
	}
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}
	logger = logger.Sublogger(config.ID)

	//nolint:gosec
	cmd := exec.CommandContext(ctx, config.Name, config.Args...)
	cmd.Dir = config.CWD
	if len(config.Environment) > 0 {
		cmd.Env = os.Environ()
		keys := make([]string, 0, len(config.Environment))
		for k := range config.Environment {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cmd.Env = append(cmd.Env, k+"="+config.Environment[k])
		}
	}
	tail := &lineTail{max: tailLines}
	stdout := &lineWriter{tail: tail, log: config.Log, logFn: logger.Infow}
	stderr := &lineWriter{tail: tail, log: config.Log, logFn: logger.Warnw}
	cmd.Stdout, cmd.Stderr = stdout, stderr
	// children that inherit the output pipes must not hold Wait open after a kill
	cmd.WaitDelay = time.Second

	start := time.Now()
	logger.Debugw("starting process", "name", config.Name, "args", strings.Join(config.Args, " "))
	if err := cmd.Start(); err != nil {
		return Result{}, errors.Wrapf(err, "starting %q", config.Name)
	}
	waitErr := cmd.Wait()
	stdout.flush()
	stderr.flush()

	res := Result{Duration: time.Since(start), Tail: tail.lines()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, errors.Wrapf(ctxErr, "process %q interrupted", config.ID)
	}
	if waitErr != nil {
		return res, errors.Wrapf(waitErr, "process %q failed: %s", config.ID, strings.Join(res.Tail, "\n"))
	}
	logger.Debugw("process finished", "duration", res.Duration)
	return res, nil
}

type lineTail struct {
	mu  sync.Mutex
	max int
	buf []string
}

func (lt *lineTail) add(line string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.buf = append(lt.buf, line)
	if len(lt.buf) > lt.max {
		lt.buf = lt.buf[len(lt.buf)-lt.max:]
	}
}

// lineWriter splits process output into lines for the log and the tail.
type lineWriter struct {
	tail    *lineTail
	log     bool
	logFn   func(msg string, keysAndValues ...interface{})
	partial []byte
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.partial = append(lw.partial, p...)
	for {
		idx := bytes.IndexByte(lw.partial, '\n')
		if idx < 0 {
			break
		}
		line := string(lw.partial[:idx])
		lw.partial = lw.partial[idx+1:]
		lw.emit(line)
	}
	return len(p), nil
}

// flush emits output left after the last newline. Call it once the process has exited.
func (lw *lineWriter) flush() {
	if len(lw.partial) == 0 {
		return
	}
	line := string(lw.partial)
	lw.partial = nil
	lw.emit(line)
}

func (lw *lineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if lw.log {
		lw.logFn(line)
	}
	lw.tail.add(line)
}

func (lt *lineTail) lines() []string {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return append([]string(nil), lt.buf...)
}

// RunAll runs every config in order and stops at the first failure.
func RunAll(ctx context.Context, configs []ProcessConfig, logger logging.Logger) error {
	var err error
	for _, config := range configs {
		err = multierr.Combine(err, config.Validate())
	}
	if err != nil {
		return err
	}
	for _, config := range configs {
		if _, err := RunOneShot(ctx, config, logger); err != nil {
			return err
		}
	}
	return nil
}
