package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StdIOClient runs an MCP server as a subprocess and talks to it with
// newline-delimited JSON-RPC messages over its standard input and output.
// The server's standard error is drained into the logger. Instances should
// be created using NewStdIOClient.
type StdIOClient struct {
	command string
	args    []string
	env     []string
	logger  *slog.Logger
}

// StdIOClientOption represents the options for the StdIOClient.
type StdIOClientOption func(*StdIOClient)

type stdIOSession struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	writeMessages chan stdIOMessage
	messages      chan JSONRPCMessage
	done          chan struct{}
	exited        chan struct{}
	stopOnce      sync.Once
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// NewStdIOClient creates a client that will run the given command with the
// given arguments. The subprocess is not started until StartSession.
func NewStdIOClient(command string, args []string, options ...StdIOClientOption) *StdIOClient {
	s := &StdIOClient{
		command: command,
		args:    args,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithStdIOClientEnv appends environment entries, in "KEY=value" form, to
// the subprocess environment.
func WithStdIOClientEnv(env []string) StdIOClientOption {
	return func(s *StdIOClient) {
		s.env = env
	}
}

// WithStdIOClientLogger sets the logger used by the client and its sessions.
func WithStdIOClientLogger(logger *slog.Logger) StdIOClientOption {
	return func(s *StdIOClient) {
		s.logger = logger
	}
}

// StartSession starts the subprocess and wires its pipes. The returned
// session stays alive until Stop is called or the subprocess exits on its
// own.
func (s *StdIOClient) StartSession(_ context.Context) (Session, error) {
	cmd := exec.Command(s.command, s.args...)
	cmd.Env = append(os.Environ(), s.env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", s.command, err)
	}

	sess := &stdIOSession{
		id:            uuid.New().String(),
		cmd:           cmd,
		stdin:         stdin,
		logger:        s.logger.With("command", s.command),
		writeMessages: make(chan stdIOMessage),
		messages:      make(chan JSONRPCMessage),
		done:          make(chan struct{}),
		exited:        make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		sess.readLoop(stdout)
	}()
	go func() {
		defer readers.Done()
		sess.drainStderr(stderr)
	}()
	go sess.processWriteMessages()
	go func() {
		// Pipes must be fully drained before the subprocess is reaped.
		readers.Wait()
		if err := cmd.Wait(); err != nil {
			select {
			case <-sess.done:
			default:
				sess.logger.Warn("server exited", "err", err)
			}
		}
		close(sess.exited)
	}()

	return sess, nil
}

func (s *stdIOSession) ID() string { return s.id }

func (s *stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol.
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message to keep writes serialized.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errors.New("session is closed")
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errors.New("session is closed")
	}
}

func (s *stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-s.messages:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// Stop closes the server's stdin, which well-behaved servers treat as the
// signal to exit, and kills the subprocess if it lingers.
func (s *stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.stdin.Close()

		select {
		case <-s.exited:
		case <-time.After(3 * time.Second):
			s.logger.Warn("server did not exit, killing it")
			_ = s.cmd.Process.Kill()
			<-s.exited
		}
	})
}

func (s *stdIOSession) readLoop(stdout io.Reader) {
	defer close(s.messages)

	// bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case <-s.done:
				default:
					s.logger.Error("failed to read message", "err", err)
				}
			}
			return
		}

		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.logger.Error("failed to unmarshal message", "err", err)
			continue
		}

		select {
		case s.messages <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *stdIOSession) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		s.logger.Debug("server stderr", "line", scanner.Text())
	}
}

func (s *stdIOSession) processWriteMessages() {
	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.stdin.Write(msg.msg)
		msg.errs <- err
	}
}
