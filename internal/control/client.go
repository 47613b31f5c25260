package control

import (
	"fmt"
	"net"
)

// Client is a thin wrapper around one connection to a control socket,
// analogous to original_source/src/internals/sock.rs's send_req: dial, write
// one frame, read one (or, for the chase lifecycle, several) frames back.
type Client struct {
	conn net.Conn
	fr   *frameReader
	fw   *frameWriter
}

// Dial connects to the control socket at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn, fr: newFrameReader(conn), fw: newFrameWriter(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// call sends req and reads exactly one response frame, the shape every
// one-shot RPC (RepoList, RepoDelete, Status, StopChase) uses.
func (c *Client) call(req Request) (Response, error) {
	if err := c.fw.WriteValue(req); err != nil {
		return Response{}, fmt.Errorf("control: write request: %w", err)
	}
	var resp Response
	if err := c.fr.ReadValue(&resp); err != nil {
		return Response{}, fmt.Errorf("control: read response: %w", err)
	}
	if resp.Status == StatusError {
		return resp, fmt.Errorf("control: %s", resp.Error)
	}
	return resp, nil
}

// RepoList requests the names of every registered repo.
func RepoList(socketPath string) ([]string, error) {
	c, err := Dial(socketPath)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	resp, err := c.call(Request{Cmd: CmdRepoList})
	if err != nil {
		return nil, err
	}
	return resp.Repos, nil
}

// RepoDelete requests removal of the named repo (spec.md §4.9 RepoDelete).
func RepoDelete(socketPath, name string) error {
	c, err := Dial(socketPath)
	if err != nil {
		return err
	}
	defer c.Close()
	_, err = c.call(Request{Cmd: CmdRepoDelete, Name: name})
	return err
}

// Status requests whether the daemon is running and its mountpoint.
func Status(socketPath string) (Response, error) {
	c, err := Dial(socketPath)
	if err != nil {
		return Response{}, err
	}
	defer c.Close()
	return c.call(Request{Cmd: CmdStatus})
}

// StopChase asks a running chase identified by id to stop (spec.md §5
// cancellation). It is sent on its own connection, since the connection
// that started the chase is blocked reading Update/Error frames until the
// run finishes.
func StopChase(socketPath, id string) error {
	c, err := Dial(socketPath)
	if err != nil {
		return err
	}
	defer c.Close()
	_, err = c.call(Request{Cmd: CmdStopChase, ID: id})
	return err
}

// ChaseEvent is one frame of a running chase's output stream: either an
// Update (a finished job's transcript and exit codes) or a terminal error.
type ChaseEvent struct {
	Response
	Done bool // true once the stream has delivered its final frame
}

// ChaseConnection is a long-lived connection carrying one chase's full
// lifecycle: Connect -> Accept{id} -> Chase{script} -> stream of
// Update/Error frames -> final Ok/Error (spec.md §4.9 steps 1-4).
type ChaseConnection struct {
	client *Client
	ID     string
}

// RunChase opens a new connection, completes the chase_connect/chase
// handshake, and returns the connection positioned to stream events via
// Next. scriptPath is the Lua chase script to run.
func RunChase(socketPath, scriptPath string) (*ChaseConnection, error) {
	c, err := Dial(socketPath)
	if err != nil {
		return nil, err
	}
	if err := c.fw.WriteValue(Request{Cmd: CmdChaseConnect}); err != nil {
		c.Close()
		return nil, fmt.Errorf("control: write chase_connect: %w", err)
	}
	var accept Response
	if err := c.fr.ReadValue(&accept); err != nil {
		c.Close()
		return nil, fmt.Errorf("control: read accept: %w", err)
	}
	if accept.Status != StatusAccept {
		c.Close()
		return nil, fmt.Errorf("control: expected accept, got %s: %s", accept.Status, accept.Error)
	}

	if err := c.fw.WriteValue(Request{Cmd: CmdChase, ScriptPath: scriptPath}); err != nil {
		c.Close()
		return nil, fmt.Errorf("control: write chase request: %w", err)
	}

	return &ChaseConnection{client: c, ID: accept.ChaseID}, nil
}

// Next blocks for the next event on the stream. The returned ChaseEvent has
// Done set once the server has sent its terminal Ok/Error frame; callers
// should stop calling Next after that (and after a non-nil error).
func (cc *ChaseConnection) Next() (ChaseEvent, error) {
	var resp Response
	if err := cc.client.fr.ReadValue(&resp); err != nil {
		return ChaseEvent{}, fmt.Errorf("control: read chase event: %w", err)
	}
	switch resp.Status {
	case StatusUpdate:
		return ChaseEvent{Response: resp}, nil
	case StatusOk, StatusError:
		return ChaseEvent{Response: resp, Done: true}, nil
	default:
		return ChaseEvent{Response: resp}, nil
	}
}

// Close closes the underlying connection.
func (cc *ChaseConnection) Close() error { return cc.client.Close() }
