package hardware

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/ziutek/telnet"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Conn is the minimal connection surface the transport needs; satisfied by
// *telnet.Conn and by in-test fakes.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetDeadline(t time.Time) error
	Close() error
}

// DialFunc opens a connection to the hardware control server.
type DialFunc func(addr string, timeout time.Duration) (Conn, error)

func dialHardware(addr string, timeout time.Duration) (Conn, error) {
	return telnet.DialTimeout("tcp", addr, timeout)
}

// Client is a single-use style client for the hardware control server. Every
// Send dials a fresh connection so no transport state bleeds between
// unrelated commands.
type Client struct {
	addr    string
	timeout time.Duration
	dial    DialFunc
}

// NewClient builds a client for the given hardware server address.
func NewClient(host string, port int, timeout time.Duration) *Client {
	return &Client{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: timeout,
		dial:    dialHardware,
	}
}

// NewClientWithDialer is NewClient with an injected dialer for tests.
func NewClientWithDialer(host string, port int, timeout time.Duration, dial DialFunc) *Client {
	c := NewClient(host, port, timeout)
	c.dial = dial
	return c
}

// wireRequest is the JSON frame the hardware server accepts.
type wireRequest struct {
	Cmd    string         `json:"cmd"`
	Params map[string]any `json:"params"`
}

// Send issues one command and returns the decoded reply. Failures are always
// *CommandError so callers can classify transport vs timeout vs application
// rejections.
func (c *Client) Send(cmd string, params map[string]any) (map[string]any, error) {
	if params == nil {
		params = map[string]any{}
	}
	payload, err := json.Marshal(wireRequest{Cmd: cmd, Params: params})
	if err != nil {
		return nil, transportErr("encode command %q: %v", cmd, err)
	}

	conn, err := c.dial(c.addr, c.timeout)
	if err != nil {
		return nil, transportErr("connect to hardware server %s: %v", c.addr, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, transportErr("set deadline: %v", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return nil, transportErr("send command %q: %v", cmd, err)
	}

	raw, err := readLine(conn)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return nil, timeoutErr("hardware request timed out - hardware may be unavailable")
		}
		return nil, transportErr("read response for %q: %v", cmd, err)
	}
	return decodeResponse(raw)
}

// readLine consumes bytes until the first newline. The hardware server sends
// exactly one frame per command so anything after the newline is ignored.
func readLine(conn Conn) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 512)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			if idx := bytes.IndexByte(chunk[:n], '\n'); idx >= 0 {
				buf.Write(chunk[:idx])
				return buf.Bytes(), nil
			}
			buf.Write(chunk[:n])
		}
		if err != nil {
			if buf.Len() > 0 && errors.Is(err, io.EOF) {
				return buf.Bytes(), nil
			}
			return nil, err
		}
	}
}

// decodeResponse classifies a raw reply: empty and non-JSON replies are
// transport errors, the literal "timeout" sentinel is a timeout, and a JSON
// body carrying an "error" key is an application rejection.
func decodeResponse(raw []byte) (map[string]any, error) {
	body := strings.TrimSpace(string(raw))
	if body == "" {
		return nil, transportErr("received empty response from hardware server")
	}
	if strings.EqualFold(body, "timeout") {
		return nil, timeoutErr("hardware request timed out - hardware may be unavailable")
	}

	var reply map[string]any
	if err := json.Unmarshal([]byte(body), &reply); err != nil {
		lower := strings.ToLower(body)
		if strings.Contains(lower, "timeout") {
			return nil, timeoutErr("hardware request timed out - hardware may be unavailable")
		}
		if strings.Contains(lower, "error") {
			return nil, transportErr("hardware server error: %s", body)
		}
		return nil, transportErr("invalid response format from hardware server: %q", body)
	}
	if msg, ok := reply["error"]; ok {
		return nil, applicationErr("%v", msg)
	}
	return reply, nil
}

// TestConnection sends the lightweight "test" command and reports whether the
// hardware server answered with its canonical greeting.
func (c *Client) TestConnection() bool {
	reply, err := c.Send("test", nil)
	if err != nil {
		log.Printf("Hardware: connection test failed: %v", err)
		return false
	}
	msg, _ := reply["message"].(string)
	return msg == "Test successful"
}
