package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/foreman/internal/fleet"
	"github.com/cuemby/foreman/internal/protocol"
	"github.com/cuemby/foreman/pkg/config"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Exit codes per spec §6: 0 every line OK, 1 partial (at least one ERR
// among otherwise OK/PARTIAL results), 2 usage error, 3 controller
// unreachable, 4 fatal internal error.
const (
	exitOK          = 0
	exitPartial     = 1
	exitUsage       = 2
	exitUnreachable = 3
	exitFatal       = 4
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Send protocol commands from stdin, one per line, and print their replies",
	RunE:  runExec,
}

func init() {
	execCmd.Flags().String("config", "", "Path to the options YAML file")
	execCmd.Flags().Duration("timeout", 10*time.Second, "How long to wait for a reply per line")
}

// runExec is the literal stdin/stdout thin wrapper of spec §6: every
// line read from stdin is staged into the configured transport's inbox
// as a *.msg file (the same wire convention internal/transport/filedrop.go
// uses), then this process polls the outbox for the matching *.reply
// file and echoes it to stdout.
func runExec(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	opts, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "foreman exec: %v\n", err)
		os.Exit(exitUsage)
	}
	if opts.TransportKind != "file" {
		fmt.Fprintf(os.Stderr, "foreman exec: only transport.kind=file is supported as a direct client; use the controller's own transport for %q\n", opts.TransportKind)
		os.Exit(exitUsage)
	}
	if err := os.MkdirAll(opts.TransportFileInbox, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "foreman exec: %v\n", err)
		os.Exit(exitUnreachable)
	}

	sawError := false
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if _, decodeErr := protocol.Decode(line); decodeErr != nil {
			fmt.Fprintf(os.Stderr, "foreman exec: %v\n", decodeErr)
			os.Exit(exitUsage)
		}

		reply, err := sendLine(opts.TransportFileInbox, opts.TransportFileOutbox, line, timeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "foreman exec: %v\n", err)
			os.Exit(exitUnreachable)
		}

		fmt.Println(reply)
		if strings.HasPrefix(reply, string(fleet.StatusError)) {
			sawError = true
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "foreman exec: reading stdin: %v\n", err)
		os.Exit(exitFatal)
	}

	if sawError {
		os.Exit(exitPartial)
	}
	os.Exit(exitOK)
	return nil
}

// sendLine stages line as a correlation-id-named .msg file in inbox,
// then polls outbox for the matching .reply file until it appears or
// timeout elapses.
func sendLine(inbox, outbox, line string, timeout time.Duration) (string, error) {
	id := uuid.NewString()
	final := filepath.Join(inbox, id+".msg")
	staging := filepath.Join(inbox, "."+id+".msg.tmp")

	if err := os.WriteFile(staging, []byte(line+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("stage command: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		os.Remove(staging)
		return "", fmt.Errorf("submit command: %w", err)
	}

	replyPath := filepath.Join(outbox, id+".reply")
	deadline := time.Now().Add(timeout)
	for {
		data, err := os.ReadFile(replyPath)
		if err == nil {
			os.Remove(replyPath)
			return strings.TrimRight(string(data), "\n"), nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("no reply for %s within %s: controller unreachable", id, timeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
