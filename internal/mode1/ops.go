package mode1

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/text/language"

	"github.com/abutsfit/cncbridge/internal/hilink"
	"github.com/abutsfit/cncbridge/internal/registry"
)

// Default panel IO addresses for cycle start and stop.
const (
	DefaultStartIOUID int16 = 61
	DefaultStopIOUID  int16 = 62
)

func validHead(headType int16) error {
	if headType != hilink.HeadMain && headType != hilink.HeadSub {
		return fmt.Errorf("%w: headType must be 1 or 2, got %d", ErrInvalidArgument, headType)
	}
	return nil
}

func validSlot(programNo int16) error {
	if programNo <= 0 {
		return fmt.Errorf("%w: program number must be positive, got %d", ErrInvalidArgument, programNo)
	}
	return nil
}

func (c *Client) GetMachineStatus(ctx context.Context, machineID string) (hilink.MachineStatus, error) {
	return read(ctx, c, machineID, hilink.OpGetStatus, func(h hilink.Handle) (hilink.MachineStatus, hilink.Code) {
		return c.lib.GetMachineStatus(h)
	})
}

func (c *Client) GetAlarms(ctx context.Context, machineID string, headType int16) (hilink.AlarmInfo, error) {
	if err := validHead(headType); err != nil {
		return hilink.AlarmInfo{}, err
	}
	return read(ctx, c, machineID, hilink.OpGetAlarms, func(h hilink.Handle) (hilink.AlarmInfo, hilink.Code) {
		return c.lib.GetMachineAlarmInfo(h, headType)
	})
}

func (c *Client) GetProgramList(ctx context.Context, machineID string, headType int16) (hilink.ProgramListInfo, error) {
	if err := validHead(headType); err != nil {
		return hilink.ProgramListInfo{}, err
	}
	return read(ctx, c, machineID, hilink.OpGetProgramList, func(h hilink.Handle) (hilink.ProgramListInfo, hilink.Code) {
		return c.lib.GetMachineProgramListInfo(h, headType)
	})
}

func (c *Client) GetActiveProgram(ctx context.Context, machineID string) (hilink.ActiveProgramInfo, error) {
	return read(ctx, c, machineID, hilink.OpGetActiveProgram, func(h hilink.Handle) (hilink.ActiveProgramInfo, hilink.Code) {
		return c.lib.GetMachineActivateProgInfo(h)
	})
}

func (c *Client) GetProgramData(ctx context.Context, machineID string, headType, programNo int16) (hilink.ProgramData, error) {
	if err := validHead(headType); err != nil {
		return hilink.ProgramData{}, err
	}
	if err := validSlot(programNo); err != nil {
		return hilink.ProgramData{}, err
	}
	return read(ctx, c, machineID, hilink.OpGetProgramData, func(h hilink.Handle) (hilink.ProgramData, hilink.Code) {
		return c.lib.GetMachineProgramData(h, headType, programNo)
	})
}

// GetPanelIO reads every operator panel IO point.
func (c *Client) GetPanelIO(ctx context.Context, machineID string, panelType int16) ([]hilink.PanelIO, error) {
	return read(ctx, c, machineID, hilink.OpGetPanelIO, func(h hilink.Handle) ([]hilink.PanelIO, hilink.Code) {
		return c.lib.GetMachineAllOPInfo(h, panelType)
	})
}

// PanelIOOn reports whether ioUID is on. found is false when the controller
// does not report that point.
func (c *Client) PanelIOOn(ctx context.Context, machineID string, ioUID int16) (on, found bool, err error) {
	ios, err := c.GetPanelIO(ctx, machineID, 0)
	if err != nil {
		return false, false, err
	}
	for _, io := range ios {
		if io.UID == ioUID {
			return io.Status != 0, true, nil
		}
	}
	return false, false, nil
}

// UploadProgram writes program text into a slot. It is attempted once; a
// busy controller is reported as hilink.ErrBusy for the caller to retry.
func (c *Client) UploadProgram(ctx context.Context, machineID string, info hilink.UpdateProgramInfo) error {
	if err := validHead(info.HeadType); err != nil {
		return err
	}
	if err := validSlot(info.ProgramNo); err != nil {
		return err
	}
	_, err := call(ctx, c, machineID, hilink.OpSetProgram, func(h hilink.Handle) (struct{}, hilink.Code) {
		return struct{}{}, c.lib.SetMachineProgramInfo(h, info)
	})
	return err
}

// DeleteProgram removes a stored program. The active program number reported
// by the controller is returned alongside the result.
func (c *Client) DeleteProgram(ctx context.Context, machineID string, headType, programNo int16) (int16, error) {
	if err := validHead(headType); err != nil {
		return 0, err
	}
	if err := validSlot(programNo); err != nil {
		return 0, err
	}
	return call(ctx, c, machineID, hilink.OpDeleteProgram, func(h hilink.Handle) (int16, hilink.Code) {
		return c.lib.DeleteMachineProgramInfo(h, headType, programNo)
	})
}

func (c *Client) SetActivateProgram(ctx context.Context, machineID string, dto hilink.ActivateProgram) error {
	if err := validHead(dto.HeadType); err != nil {
		return err
	}
	if err := validSlot(dto.ProgramNo); err != nil {
		return err
	}
	_, err := call(ctx, c, machineID, hilink.OpSetActivate, func(h hilink.Handle) (struct{}, hilink.Code) {
		return struct{}{}, c.lib.SetActivateProgram(h, dto)
	})
	return err
}

func (c *Client) SetPanelIO(ctx context.Context, machineID string, panelType, ioUID int16, on bool) error {
	if ioUID < 0 {
		return fmt.Errorf("%w: ioUid must not be negative", ErrInvalidArgument)
	}
	_, err := call(ctx, c, machineID, hilink.OpSetPanelIO, func(h hilink.Handle) (struct{}, hilink.Code) {
		return struct{}{}, c.lib.SetMachinePanelIO(h, panelType, ioUID, on)
	})
	return err
}

// Reset drops the cached handle before resetting so the reset always runs on
// a freshly opened connection.
func (c *Client) Reset(ctx context.Context, machineID string) error {
	c.handles.Invalidate(machineID, "reset")
	_, err := call(ctx, c, machineID, hilink.OpSetReset, func(h hilink.Handle) (struct{}, hilink.Code) {
		return struct{}{}, c.lib.SetMachineReset(h)
	})
	return err
}

func (c *Client) SetMode(ctx context.Context, machineID, mode string) error {
	m, ok := hilink.ParseMode(mode)
	if !ok {
		return fmt.Errorf("%w: unsupported mode %q", ErrInvalidArgument, mode)
	}
	_, err := call(ctx, c, machineID, hilink.OpSetMode, func(h hilink.Handle) (struct{}, hilink.Code) {
		return struct{}{}, c.lib.SetMachineMode(h, m)
	})
	return err
}

// ListMachines returns the registry contents.
func (c *Client) ListMachines() []registry.Machine {
	return c.reg.List()
}

// Register stores the machine in the registry, drops any cached handle and
// verifies that a handle can be opened. The registry keeps the entry even when
// verification fails.
func (c *Client) Register(ctx context.Context, m registry.Machine) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if _, err := c.reg.Upsert(m); err != nil {
		return fmt.Errorf("save machine %s: %w", m.UID, err)
	}
	c.handles.Invalidate(m.UID, "registered")
	if _, err := c.handles.Get(ctx, m.UID); err != nil {
		return fmt.Errorf("verify machine %s: %w", m.UID, err)
	}
	return nil
}

// Describe turns an operation error into a client facing message and, when
// the error came from the vendor runtime, its raw code.
func Describe(err error) (string, *int) {
	return DescribeIn(err, hilink.Languages[0])
}

// DescribeIn is Describe with vendor messages in the language tag.
func DescribeIn(err error, tag language.Tag) (string, *int) {
	if err == nil {
		return "", nil
	}
	var verr *hilink.Error
	if errors.As(err, &verr) {
		code := int(verr.Code)
		return hilink.LocalizedMessage(verr.Code, tag), &code
	}
	if errors.Is(err, ErrReadTimeout) {
		return "controller did not answer in time", nil
	}
	return err.Error(), nil
}
