// Package remote implements hilink.Library over HTTP against the host agent
// that loads the vendor DLL on the controller PC.
//
// Wire format: POST {base}/call/{op} with a JSON argument object; the agent
// answers {"code":N,"payload":{...}}. Transport failures are reported as the
// vendor communication code so the bridge treats them like a dead cable.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/abutsfit/cncbridge/internal/hilink"
	"github.com/abutsfit/cncbridge/internal/log"
	"github.com/abutsfit/cncbridge/internal/platform/httpx"
	"github.com/abutsfit/cncbridge/internal/resilience"
)

const maxResponseBytes = 8 << 20

// ErrAgentUnavailable is returned by Ping when the agent cannot be reached.
var ErrAgentUnavailable = errors.New("remote: vendor agent unavailable")

// Config configures the agent client.
type Config struct {
	BaseURL          string
	Timeout          time.Duration
	Serial           string
	BreakerThreshold int
	BreakerReset     time.Duration
}

// Client talks to the vendor host agent.
type Client struct {
	base    string
	serial  string
	http    *http.Client
	breaker *resilience.CircuitBreaker
}

// New builds a client with a traced HTTP transport.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		serial:  cfg.Serial,
		http:    httpx.NewTracedClient(timeout),
		breaker: resilience.NewCircuitBreaker("vendor_agent", cfg.BreakerThreshold, cfg.BreakerReset),
	}
}

type envelope struct {
	Code    hilink.Code     `json:"code"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (c *Client) do(op string, args any, out any) hilink.Code {
	var code hilink.Code
	err := c.breaker.Execute(func() error {
		var err error
		code, err = c.post(op, args, out)
		return err
	})
	if err != nil {
		logger := log.WithComponent("hilink.remote")
		logger.Warn().Err(err).
			Str(log.FieldEvent, "agent.call_failed").
			Str(log.FieldOp, op).
			Msg("vendor agent call failed")
		return hilink.CodeCommunication
	}
	return code
}

func (c *Client) post(op string, args any, out any) (hilink.Code, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, c.base+"/call/"+op, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.serial != "" {
		req.Header.Set("X-Hilink-Serial", c.serial)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return 0, fmt.Errorf("agent %s: HTTP %d: %s", op, res.StatusCode, strings.TrimSpace(string(msg)))
	}
	var env envelope
	if err := json.NewDecoder(io.LimitReader(res.Body, maxResponseBytes)).Decode(&env); err != nil {
		return 0, fmt.Errorf("decode %s: %w", op, err)
	}
	if out != nil && env.Code == hilink.OK && len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, out); err != nil {
			return 0, fmt.Errorf("decode %s payload: %w", op, err)
		}
	}
	return env.Code, nil
}

// Ping checks that the agent answers.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/ping", nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP %d", ErrAgentUnavailable, res.StatusCode)
	}
	return nil
}

// BreakerState exposes the agent circuit breaker state for health checks.
func (c *Client) BreakerState() string { return c.breaker.State() }

type handleArgs struct {
	Handle hilink.Handle `json:"handle"`
}

type headArgs struct {
	Handle    hilink.Handle `json:"handle"`
	HeadType  int16         `json:"headType"`
	ProgramNo int16         `json:"programNo,omitempty"`
}

func (c *Client) OpenHandle(ip string, port int, timeout time.Duration) (hilink.Handle, hilink.Code) {
	var out struct {
		Handle hilink.Handle `json:"handle"`
	}
	code := c.do(hilink.OpOpenHandle, map[string]any{
		"ip": ip, "port": port, "timeoutSec": int(timeout.Seconds()),
	}, &out)
	return out.Handle, code
}

func (c *Client) CloseHandle(h hilink.Handle) hilink.Code {
	return c.do(hilink.OpCloseHandle, handleArgs{Handle: h}, nil)
}

func (c *Client) AddMachine(uid, ip string, port int) hilink.Code {
	return c.do(hilink.OpAddMachine, map[string]any{"uid": uid, "ip": ip, "port": port}, nil)
}

func (c *Client) GetMachineStatus(h hilink.Handle) (hilink.MachineStatus, hilink.Code) {
	var out struct {
		Status hilink.MachineStatus `json:"status"`
	}
	code := c.do(hilink.OpGetStatus, handleArgs{Handle: h}, &out)
	return out.Status, code
}

func (c *Client) GetMachineAlarmInfo(h hilink.Handle, headType int16) (hilink.AlarmInfo, hilink.Code) {
	var out hilink.AlarmInfo
	code := c.do(hilink.OpGetAlarms, headArgs{Handle: h, HeadType: headType}, &out)
	return out, code
}

func (c *Client) GetMachineProgramListInfo(h hilink.Handle, headType int16) (hilink.ProgramListInfo, hilink.Code) {
	var out hilink.ProgramListInfo
	code := c.do(hilink.OpGetProgramList, headArgs{Handle: h, HeadType: headType}, &out)
	return out, code
}

func (c *Client) GetMachineActivateProgInfo(h hilink.Handle) (hilink.ActiveProgramInfo, hilink.Code) {
	var out hilink.ActiveProgramInfo
	code := c.do(hilink.OpGetActiveProgram, handleArgs{Handle: h}, &out)
	return out, code
}

func (c *Client) GetMachineProgramData(h hilink.Handle, headType, programNo int16) (hilink.ProgramData, hilink.Code) {
	var out hilink.ProgramData
	code := c.do(hilink.OpGetProgramData, headArgs{Handle: h, HeadType: headType, ProgramNo: programNo}, &out)
	return out, code
}

func (c *Client) GetMachineAllOPInfo(h hilink.Handle, panelType int16) ([]hilink.PanelIO, hilink.Code) {
	var out struct {
		IO []hilink.PanelIO `json:"io"`
	}
	code := c.do(hilink.OpGetPanelIO, map[string]any{"handle": h, "panelType": panelType}, &out)
	return out.IO, code
}

func (c *Client) SetMachineProgramInfo(h hilink.Handle, info hilink.UpdateProgramInfo) hilink.Code {
	return c.do(hilink.OpSetProgram, struct {
		Handle hilink.Handle `json:"handle"`
		hilink.UpdateProgramInfo
	}{h, info}, nil)
}

func (c *Client) DeleteMachineProgramInfo(h hilink.Handle, headType, programNo int16) (int16, hilink.Code) {
	var out struct {
		ActiveProgramNo int16 `json:"activeProgramNo"`
	}
	code := c.do(hilink.OpDeleteProgram, headArgs{Handle: h, HeadType: headType, ProgramNo: programNo}, &out)
	return out.ActiveProgramNo, code
}

func (c *Client) SetActivateProgram(h hilink.Handle, dto hilink.ActivateProgram) hilink.Code {
	return c.do(hilink.OpSetActivate, headArgs{Handle: h, HeadType: dto.HeadType, ProgramNo: dto.ProgramNo}, nil)
}

func (c *Client) SetMachinePanelIO(h hilink.Handle, panelType, ioUID int16, on bool) hilink.Code {
	return c.do(hilink.OpSetPanelIO, map[string]any{
		"handle": h, "panelType": panelType, "ioUid": ioUID, "status": on,
	}, nil)
}

func (c *Client) SetMachineReset(h hilink.Handle) hilink.Code {
	return c.do(hilink.OpSetReset, handleArgs{Handle: h}, nil)
}

func (c *Client) SetMachineMode(h hilink.Handle, mode hilink.Mode) hilink.Code {
	return c.do(hilink.OpSetMode, map[string]any{"handle": h, "mode": mode}, nil)
}

var _ hilink.Library = (*Client)(nil)
