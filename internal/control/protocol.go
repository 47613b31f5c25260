// Package control implements the Unix-domain JSON-RPC control socket of
// spec.md §4.9, grounded on original_source/src/internals/sock.rs's
// ControlReq/ControlRes tagged-enum wire shapes and on the teacher's
// internal/testutil/mockserver.go JSON-over-socket test harness.
package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Request command names, mirroring sock.rs's `#[serde(tag = "cmd",
// rename_all = "snake_case")]` enum variants one-for-one, plus the three
// chase-lifecycle commands spec.md §4.9 adds on top of the original three.
const (
	CmdRepoList     = "repo_list"
	CmdRepoDelete   = "repo_delete"
	CmdStatus       = "status"
	CmdChaseConnect = "chase_connect"
	CmdChase        = "chase"
	CmdStopChase    = "stop_chase"
)

// Response status names, mirroring sock.rs's ControlRes discriminator.
const (
	StatusOk       = "ok"
	StatusError    = "error"
	StatusRepoList = "repo_list"
	StatusStatus   = "status"
	StatusUpdate   = "update"
	StatusAccept   = "accept"
)

// Request is the single wire shape for every client->server message. Only
// the fields relevant to Cmd are populated; the rest are left zero, matching
// how a tagged enum only carries its own variant's payload.
type Request struct {
	Cmd string `json:"cmd"`

	Name       string `json:"name,omitempty"`       // RepoDelete
	ScriptPath string `json:"script_path,omitempty"` // Chase
	ID         string `json:"id,omitempty"`          // StopChase
}

// Response is the single wire shape for every server->client message.
type Response struct {
	Status string `json:"status"`

	Error string `json:"error,omitempty"` // Error

	Repos []string `json:"repos,omitempty"` // RepoList

	Running    bool   `json:"running,omitempty"`     // Status
	MountPoint string `json:"mount_point,omitempty"` // Status

	JobID        string   `json:"job_id,omitempty"`       // Update
	Commit       string   `json:"commit,omitempty"`       // Update
	Presentation string   `json:"presentation,omitempty"` // Update
	Transcript   []string `json:"transcript,omitempty"`   // Update
	ExitCodes    []int    `json:"exit_codes,omitempty"`   // Update

	ChaseID string `json:"chase_id,omitempty"` // Accept
}

// frameWriter and frameReader implement spec.md §4.9's "framed
// request/response": each JSON value is written as a single line, newline
// terminated, so a connection can carry many consecutive frames (a chase
// request's stream of Update frames) without a length prefix.
type frameWriter struct {
	w io.Writer
}

func newFrameWriter(w io.Writer) *frameWriter { return &frameWriter{w: w} }

func (fw *frameWriter) WriteValue(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("control: marshal frame: %w", err)
	}
	data = append(data, '\n')
	_, err = fw.w.Write(data)
	return err
}

type frameReader struct {
	scanner *bufio.Scanner
}

func newFrameReader(r io.Reader) *frameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &frameReader{scanner: scanner}
}

// ReadValue reads the next frame into v. Returns io.EOF when the peer has
// closed the connection with no more frames pending.
func (fr *frameReader) ReadValue(v interface{}) error {
	if !fr.scanner.Scan() {
		if err := fr.scanner.Err(); err != nil {
			return fmt.Errorf("control: read frame: %w", err)
		}
		return io.EOF
	}
	return json.Unmarshal(fr.scanner.Bytes(), v)
}
