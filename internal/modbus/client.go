package modbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/types"
)

var ErrNotConnected = errors.New("not connected")

// ExceptionError is returned when the remote unit answers with an
// exception response.
type ExceptionError struct {
	FunctionCode uint8
	Code         types.ExceptionCode
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X (%s) for function 0x%02X", uint8(e.Code), e.Code, e.FunctionCode)
}

// Client is a minimal Modbus TCP master. Requests are serialized over one
// connection.
type Client struct {
	address       string
	conn          net.Conn
	mu            sync.Mutex
	transactionID uint16
	timeout       time.Duration
	connected     bool
}

func NewClient(address string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{
		address: address,
		timeout: timeout,
	}
}

// Connect dials the server.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	conn, err := net.DialTimeout("tcp", c.address, c.timeout)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	c.conn = conn
	c.connected = true
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	err := c.conn.Close()
	c.connected = false
	c.conn = nil
	return err
}

// SendFrame sends request and waits for the matching response. The
// deadline is the earlier of ctx and the client timeout. Exception
// responses come back as *ExceptionError.
func (c *Client) SendFrame(ctx context.Context, request *Frame) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, ErrNotConnected
	}

	c.transactionID++
	request.TransactionID = c.transactionID

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	// Unblock the read when ctx is cancelled early.
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := c.conn.Write(request.Encode()); err != nil {
		c.drop()
		return nil, fmt.Errorf("write failed: %w", err)
	}

	for {
		response, err := ReadFrame(c.conn)
		if err != nil {
			c.drop()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read failed: %w", err)
		}
		// Late answers to abandoned requests are skipped.
		if response.TransactionID != request.TransactionID {
			continue
		}
		if code, ok := response.Exception(); ok {
			return nil, &ExceptionError{FunctionCode: request.FunctionCode, Code: types.ExceptionCode(code)}
		}
		if response.FunctionCode != request.FunctionCode {
			return nil, fmt.Errorf("function code mismatch: expected %d, got %d",
				request.FunctionCode, response.FunctionCode)
		}
		return response, nil
	}
}

// drop closes a connection whose stream state is unknown.
func (c *Client) drop() {
	c.conn.Close()
	c.conn = nil
	c.connected = false
}

func (c *Client) readBits(ctx context.Context, unitID, function uint8, startAddr, quantity uint16) ([]bool, error) {
	response, err := c.SendFrame(ctx, ReadRequest(unitID, function, startAddr, quantity))
	if err != nil {
		return nil, err
	}
	return response.ParseBitResponse(quantity)
}

func (c *Client) readRegisters(ctx context.Context, unitID, function uint8, startAddr, quantity uint16) ([]uint16, error) {
	response, err := c.SendFrame(ctx, ReadRequest(unitID, function, startAddr, quantity))
	if err != nil {
		return nil, err
	}
	values, err := response.ParseRegisterResponse()
	if err != nil {
		return nil, err
	}
	if len(values) != int(quantity) {
		return nil, fmt.Errorf("expected %d registers, got %d", quantity, len(values))
	}
	return values, nil
}

func (c *Client) ReadCoils(ctx context.Context, unitID uint8, startAddr, quantity uint16) ([]bool, error) {
	return c.readBits(ctx, unitID, FuncCodeReadCoils, startAddr, quantity)
}

func (c *Client) ReadDiscreteInputs(ctx context.Context, unitID uint8, startAddr, quantity uint16) ([]bool, error) {
	return c.readBits(ctx, unitID, FuncCodeReadDiscreteInputs, startAddr, quantity)
}

func (c *Client) ReadHoldingRegisters(ctx context.Context, unitID uint8, startAddr, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, unitID, FuncCodeReadHoldingRegisters, startAddr, quantity)
}

func (c *Client) ReadInputRegisters(ctx context.Context, unitID uint8, startAddr, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, unitID, FuncCodeReadInputRegisters, startAddr, quantity)
}

// Read dispatches on the register type.
func (c *Client) Read(ctx context.Context, unitID uint8, t types.RegisterType, startAddr, quantity uint16) ([]uint16, error) {
	switch t {
	case types.RegisterTypeCoil, types.RegisterTypeDiscreteInput:
		fc := uint8(FuncCodeReadCoils)
		if t == types.RegisterTypeDiscreteInput {
			fc = FuncCodeReadDiscreteInputs
		}
		bits, err := c.readBits(ctx, unitID, fc, startAddr, quantity)
		if err != nil {
			return nil, err
		}
		values := make([]uint16, len(bits))
		for i, b := range bits {
			if b {
				values[i] = 1
			}
		}
		return values, nil
	case types.RegisterTypeInputRegister:
		return c.ReadInputRegisters(ctx, unitID, startAddr, quantity)
	case types.RegisterTypeHoldingRegister:
		return c.ReadHoldingRegisters(ctx, unitID, startAddr, quantity)
	}
	return nil, fmt.Errorf("unknown register type %q", t)
}

func (c *Client) WriteSingleCoil(ctx context.Context, unitID uint8, addr uint16, on bool) error {
	value := uint16(coilOff)
	if on {
		value = coilOn
	}
	_, err := c.SendFrame(ctx, WriteSingleRequest(unitID, FuncCodeWriteSingleCoil, addr, value))
	return err
}

func (c *Client) WriteSingleRegister(ctx context.Context, unitID uint8, addr uint16, value uint16) error {
	_, err := c.SendFrame(ctx, WriteSingleRequest(unitID, FuncCodeWriteSingleRegister, addr, value))
	return err
}

func (c *Client) WriteMultipleCoils(ctx context.Context, unitID uint8, startAddr uint16, bits []bool) error {
	_, err := c.SendFrame(ctx, WriteMultipleCoilsRequest(unitID, startAddr, bits))
	return err
}

func (c *Client) WriteMultipleRegisters(ctx context.Context, unitID uint8, startAddr uint16, values []uint16) error {
	_, err := c.SendFrame(ctx, WriteMultipleRegistersRequest(unitID, startAddr, values))
	return err
}

// Diagnostics sends FC 8 and returns the data word of the echo.
func (c *Client) Diagnostics(ctx context.Context, unitID uint8, subFunction, value uint16) (uint16, error) {
	response, err := c.SendFrame(ctx, DiagnosticsRequest(unitID, subFunction, value))
	if err != nil {
		return 0, err
	}
	if len(response.Data) < 4 {
		return 0, fmt.Errorf("response too short")
	}
	return uint16(response.Data[2])<<8 | uint16(response.Data[3]), nil
}
