package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	dialRetry    = 10 * time.Millisecond
	dialDeadline = time.Second
)

// Send delivers msg to the daemon listening at path and returns its reply.
// Connecting is retried every 10ms for up to a second so a client started
// together with the daemon still gets through.
func Send(ctx context.Context, path string, msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	conn, err := dial(ctx, path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to send %v: %w", msg.Kind, err)
	}
	// Half-close so the server sees the end of the message.
	if err := conn.CloseWrite(); err != nil {
		return nil, fmt.Errorf("failed to close write side: %w", err)
	}

	if !msg.Kind.HasReply() {
		return nil, nil
	}
	reply, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}
	return reply, nil
}

// QueryStatus sends Status and decodes the reply.
func QueryStatus(ctx context.Context, path string) (*StatusReply, error) {
	b, err := Send(ctx, path, Message{Kind: Status})
	if err != nil {
		return nil, err
	}
	var reply StatusReply
	if err := json.Unmarshal(b, &reply); err != nil {
		return nil, fmt.Errorf("invalid status reply: %w", err)
	}
	return &reply, nil
}

func dial(ctx context.Context, path string) (*net.UnixConn, error) {
	deadline := time.Now().Add(dialDeadline)
	var d net.Dialer

	for {
		conn, err := d.DialContext(ctx, "unix", path)
		if err == nil {
			return conn.(*net.UnixConn), nil
		}
		if ctx.Err() != nil || time.Now().After(deadline) {
			return nil, fmt.Errorf("failed to connect to %s: %w", path, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialRetry):
		}
	}
}
