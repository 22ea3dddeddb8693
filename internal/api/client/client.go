// Package client talks to a running simulator's control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/behavior"
	"github.com/KevinKickass/OpenModbusSim/internal/devices"
	"github.com/KevinKickass/OpenModbusSim/internal/interfaces"
	"github.com/KevinKickass/OpenModbusSim/internal/modbus"
	"github.com/KevinKickass/OpenModbusSim/internal/registers"
	"github.com/KevinKickass/OpenModbusSim/internal/scenario"
	"github.com/KevinKickass/OpenModbusSim/internal/simulator"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
)

const apiPrefix = "/api/v1"

// APIError is a non-2xx answer from the control API.
type APIError struct {
	Status  int
	Code    string
	Kind    string
	Message string
	Details any
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != nil {
		if d, err := json.Marshal(e.Details); err == nil {
			msg += " " + string(d)
		}
	}
	return msg
}

type Client struct {
	base  string
	token string
	http  *http.Client
}

// New returns a client for the server at base, e.g. http://localhost:8080.
func New(base, token string) *Client {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) SetToken(token string) { c.token = token }

// Header carries the bearer token, for WebSocket dials.
func (c *Client) Header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// LiveURL is the WebSocket URL of the live event feed.
func (c *Client) LiveURL() string {
	u := c.base + apiPrefix + "/ws/live"
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	return "ws://" + strings.TrimPrefix(u, "http://")
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var er types.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error.Code != "" {
			return &APIError{
				Status:  resp.StatusCode,
				Code:    er.Error.Code,
				Kind:    er.Error.Kind(),
				Message: er.Error.Message,
				Details: er.Error.Details,
			}
		}
		return &APIError{Status: resp.StatusCode, Code: strconv.Itoa(resp.StatusCode), Message: strings.TrimSpace(string(data))}
	}

	switch out := out.(type) {
	case nil:
		return nil
	case *[]byte:
		*out = data
		return nil
	default:
		return json.Unmarshal(data, out)
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, apiPrefix+path, body, contentType, out)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, "", nil)
}

type LoginResult struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Login stores the returned token for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var res LoginResult
	in := map[string]string{"username": username, "password": password}
	if err := c.doJSON(ctx, http.MethodPost, "/auth/login", in, &res); err != nil {
		return nil, err
	}
	c.token = res.AccessToken
	return &res, nil
}

func (c *Client) Status(ctx context.Context) (*interfaces.SystemStatus, error) {
	var st interfaces.SystemStatus
	if err := c.doJSON(ctx, http.MethodGet, "/system/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Listeners(ctx context.Context) ([]modbus.Info, error) {
	var res struct {
		Listeners []modbus.Info `json:"listeners"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/listeners", nil, &res); err != nil {
		return nil, err
	}
	return res.Listeners, nil
}

// Devices

func (c *Client) Devices(ctx context.Context) ([]simulator.Summary, error) {
	var res struct {
		Devices []simulator.Summary `json:"devices"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/devices", nil, &res); err != nil {
		return nil, err
	}
	return res.Devices, nil
}

func (c *Client) Device(ctx context.Context, id uint8) (*simulator.Detail, error) {
	var d simulator.Detail
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/devices/%d", id), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

type idResult struct {
	SlaveID uint8 `json:"slave_id"`
}

// AddDevice returns the slave id the server assigned.
func (c *Client) AddDevice(ctx context.Context, def devices.Definition) (uint8, error) {
	var res idResult
	if err := c.doJSON(ctx, http.MethodPost, "/devices", def, &res); err != nil {
		return 0, err
	}
	return res.SlaveID, nil
}

func (c *Client) RemoveDevice(ctx context.Context, id uint8) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/devices/%d", id), nil, nil)
}

// CloneDevice copies src to dst; dst 0 picks a free id.
func (c *Client) CloneDevice(ctx context.Context, src, dst uint8) (uint8, error) {
	var in any
	if dst != 0 {
		in = map[string]int{"slave_id": int(dst)}
	}
	var res idResult
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/devices/%d/clone", src), in, &res); err != nil {
		return 0, err
	}
	return res.SlaveID, nil
}

func (c *Client) SetEnabled(ctx context.Context, id uint8, enabled bool) error {
	action := "disable"
	if enabled {
		action = "enable"
	}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/devices/%d/%s", id, action), nil, nil)
}

func (c *Client) ResetCounters(ctx context.Context, id uint8) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/devices/%d/reset", id), nil, nil)
}

// Registers

func registerPath(id uint8, t types.RegisterType, address uint16) string {
	return fmt.Sprintf("/devices/%d/registers/%s/%d", id, t, address)
}

func (c *Client) Register(ctx context.Context, id uint8, t types.RegisterType, address uint16) (*simulator.RegisterView, error) {
	var v simulator.RegisterView
	if err := c.doJSON(ctx, http.MethodGet, registerPath(id, t, address), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) ReadRegisters(ctx context.Context, id uint8, t types.RegisterType, address, count uint16) ([]uint16, error) {
	var res struct {
		Values []uint16 `json:"values"`
	}
	path := registerPath(id, t, address) + "/values?count=" + strconv.Itoa(int(count))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Values, nil
}

func (c *Client) WriteRegisters(ctx context.Context, id uint8, t types.RegisterType, address uint16, values []uint16) error {
	in := map[string][]uint16{"values": values}
	return c.doJSON(ctx, http.MethodPut, registerPath(id, t, address), in, nil)
}

func (c *Client) SetBehavior(ctx context.Context, id uint8, t types.RegisterType, address uint16, spec behavior.Spec) error {
	return c.doJSON(ctx, http.MethodPut, registerPath(id, t, address)+"/behavior", spec, nil)
}

func (c *Client) DefineRegister(ctx context.Context, id uint8, t types.RegisterType, def registers.Definition, replace bool) error {
	path := fmt.Sprintf("/devices/%d/registers/%s", id, t)
	if replace {
		path += "?replace=true"
	}
	return c.doJSON(ctx, http.MethodPost, path, def, nil)
}

func (c *Client) RemoveRegister(ctx context.Context, id uint8, t types.RegisterType, address uint16) error {
	return c.doJSON(ctx, http.MethodDelete, registerPath(id, t, address), nil, nil)
}

// Scenarios

// ExportScenario returns the running configuration as YAML.
func (c *Client) ExportScenario(ctx context.Context) ([]byte, error) {
	var data []byte
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/scenario", nil, "", &data); err != nil {
		return nil, err
	}
	return data, nil
}

type ApplyResult struct {
	Name    string `json:"name"`
	Mode    string `json:"mode"`
	Devices int    `json:"devices"`
}

func modeQuery(mode simulator.Mode) string {
	if mode == "" {
		return ""
	}
	return "?mode=" + url.QueryEscape(string(mode))
}

// ApplyScenario uploads a YAML document.
func (c *Client) ApplyScenario(ctx context.Context, doc []byte, mode simulator.Mode) (*ApplyResult, error) {
	var res ApplyResult
	path := apiPrefix + "/scenario/apply" + modeQuery(mode)
	if err := c.do(ctx, http.MethodPost, path, bytes.NewReader(doc), "application/yaml", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

type ValidateResult struct {
	Valid    bool     `json:"valid"`
	Name     string   `json:"name"`
	Devices  int      `json:"devices"`
	Problems []string `json:"problems"`
}

func (c *Client) ValidateScenario(ctx context.Context, doc []byte) (*ValidateResult, error) {
	var res ValidateResult
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/scenario/validate", bytes.NewReader(doc), "application/yaml", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ListScenarios(ctx context.Context) ([]scenario.Info, error) {
	var res struct {
		Scenarios []scenario.Info `json:"scenarios"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/scenarios", nil, &res); err != nil {
		return nil, err
	}
	return res.Scenarios, nil
}

// LoadScenario applies a scenario from the server's library.
func (c *Client) LoadScenario(ctx context.Context, name string, mode simulator.Mode) (*ApplyResult, error) {
	var res ApplyResult
	path := "/scenarios/" + url.PathEscape(name) + "/load" + modeQuery(mode)
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SaveScenario stores the running configuration in the server's library.
func (c *Client) SaveScenario(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodPost, "/scenarios/"+url.PathEscape(name)+"/save", nil, nil)
}
