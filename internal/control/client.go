package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

// WithTimeout bounds dialing and the whole exchange. Starting an instance
// can take a while, so Dispatch callers usually want more than the default.
func (c *Client) WithTimeout(d time.Duration) *Client {
	clone := *c
	clone.timeout = d
	return &clone
}

func (c *Client) send(request Request, response any) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("connect to control socket: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return fmt.Errorf("%s request failed", request.Command)
	}
	if response != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, response); err != nil {
			return fmt.Errorf("unmarshal response payload: %w", err)
		}
	}
	return nil
}

func (c *Client) List() ([]WorkerStatus, error) {
	var statuses []WorkerStatus
	if err := c.send(Request{Command: CommandList}, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

func (c *Client) Dispatch() (string, error) {
	var result DispatchResult
	if err := c.send(Request{Command: CommandDispatch}, &result); err != nil {
		return "", err
	}
	return result.Worker, nil
}

func (c *Client) Attach(name string) error {
	return c.send(Request{Command: CommandAttach, Worker: name}, nil)
}

func (c *Client) Detach(name string) error {
	return c.send(Request{Command: CommandDetach, Worker: name}, nil)
}

func (c *Client) Stop(name string, fast bool) error {
	return c.send(Request{Command: CommandStop, Worker: name, Fast: fast}, nil)
}
