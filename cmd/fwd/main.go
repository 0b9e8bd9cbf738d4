// Command fwd is a thin terminal client: it dials a termd session's Unix
// socket, puts the local terminal into raw mode, and forwards stdin/stdout
// over the binary framed protocol until the session exits or the client is
// interrupted (leaving the session running in the background).
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vibetunnel/termd/internal/config"
	"github.com/vibetunnel/termd/internal/protocol"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var sessionID string
var controlRoot string

var rootCmd = &cobra.Command{
	Use:   "fwd <session-id>",
	Short: "Attach a terminal to a running termd session",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runForward,
}

func init() {
	rootCmd.Flags().StringVar(&sessionID, "session", "", "session id to attach to")
	rootCmd.Flags().StringVar(&controlRoot, "control-root", "", "control directory (default from config)")
}

func runForward(cmd *cobra.Command, args []string) error {
	id := sessionID
	if id == "" && len(args) > 0 {
		id = args[0]
	}
	if id == "" {
		return fmt.Errorf("a session id is required, via --session or as the first argument")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	root := controlRoot
	if root == "" {
		root = cfg.Server.ControlRoot
	}
	sockPath := filepath.Join(root, id, "ipc.sock")

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return fmt.Errorf("failed to connect to session %s: %w", id, err)
	}
	defer conn.Close()

	var oldState *term.State
	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err = term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		sendResize(conn, cols, rows)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 2)

	go forwardStdin(conn, done)
	go forwardOutput(conn, done)

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGWINCH:
				if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
					sendResize(conn, cols, rows)
				}
			default:
				return nil
			}
		case err := <-done:
			return err
		}
	}
}

func sendResize(conn net.Conn, cols, rows int) {
	payload, _ := json.Marshal(protocol.ControlCommand{Cmd: "resize", Cols: cols, Rows: rows})
	protocol.WriteFrame(conn, protocol.ControlCmd, payload)
}

func forwardStdin(conn net.Conn, done chan<- error) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if werr := protocol.WriteFrame(conn, protocol.StdinData, buf[:n]); werr != nil {
				done <- werr
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				done <- err
			}
			return
		}
	}
}

func forwardOutput(conn net.Conn, done chan<- error) {
	reader := protocol.NewReader(conn)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			done <- err
			return
		}
		switch frame.Type {
		case protocol.StdinData:
			os.Stdout.Write(frame.Payload)
		case protocol.StatusUpdate:
			// The server reports the session's exit as {"exitCode":N}; app
			// status records always carry "app" and are ignored.
			var msg map[string]interface{}
			if json.Unmarshal(frame.Payload, &msg) == nil {
				_, isExit := msg["exitCode"]
				_, isStatus := msg["app"]
				if isExit && !isStatus {
					done <- nil
					return
				}
			}
		case protocol.Error:
			// Control-plane chatter; a richer client could surface this.
		}
	}
}
