package rotapool

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// DefaultTorControlAddr is where a locally running Tor daemon exposes its
// control protocol.
const DefaultTorControlAddr = "127.0.0.1:9051"

// ResetTorIdentity asks the Tor daemon for a fresh circuit by sending the
// NEWNYM signal over its control port. The password may be empty when the
// control port uses cookie or no authentication.
func ResetTorIdentity(ctx context.Context, controlAddr, password string) error {
	if controlAddr == "" {
		controlAddr = DefaultTorControlAddr
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", controlAddr)
	if err != nil {
		return fmt.Errorf("dial tor control port: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	}

	reader := bufio.NewReader(conn)

	if err := torCommand(conn, reader, fmt.Sprintf("AUTHENTICATE %q", password)); err != nil {
		return fmt.Errorf("tor authentication: %w", err)
	}

	if err := torCommand(conn, reader, "SIGNAL NEWNYM"); err != nil {
		return fmt.Errorf("tor newnym signal: %w", err)
	}

	return nil
}

// torCommand sends one control-protocol line and expects a 250 reply.
func torCommand(conn net.Conn, reader *bufio.Reader, cmd string) error {
	if _, err := fmt.Fprintf(conn, "%s\r\n", cmd); err != nil {
		return err
	}

	line, err := reader.ReadString('\n')
	if err != nil {
		return err
	}

	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "250") {
		return fmt.Errorf("unexpected reply: %s", line)
	}

	return nil
}
