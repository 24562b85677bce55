package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker performs TCP-based health checks
type TCPChecker struct {
	// Address is the TCP address to connect to (e.g., "instance-address:6379")
	Address string

	// Timeout is the connection timeout (default: 5 seconds)
	Timeout time.Duration

	// Label identifies the instance this checker probes, so a failing
	// Result can be traced back to its owner without the checker
	// reaching into fleet state. Set via WithLabel.
	Label string
}

// NewTCPChecker creates a new TCP health checker
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{
		Address: address,
		Timeout: 5 * time.Second,
	}
}

// Check performs the TCP health check
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	// Create a dialer with timeout
	dialer := &net.Dialer{
		Timeout: t.Timeout,
	}

	// Attempt to connect
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   t.labeled(fmt.Sprintf("connection failed: %v", err)),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer conn.Close()

	// Connection successful
	return Result{
		Healthy:   true,
		Message:   t.labeled(fmt.Sprintf("TCP connection to %s successful", t.Address)),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout sets the connection timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}

// WithLabel sets the instance label attached to every Result's message.
func (t *TCPChecker) WithLabel(label string) *TCPChecker {
	t.Label = label
	return t
}

func (t *TCPChecker) labeled(message string) string {
	if t.Label == "" {
		return message
	}
	return fmt.Sprintf("[%s] %s", t.Label, message)
}
