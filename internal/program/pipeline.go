package program

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog"

	"github.com/abutsfit/cncbridge/internal/hilink"
	xglog "github.com/abutsfit/cncbridge/internal/log"
	"github.com/abutsfit/cncbridge/internal/metrics"
)

// Upload states, in order.
const (
	StateReceived        = "RECEIVED"
	StateNormalized      = "NORMALIZED"
	StateDeletedOldSlot  = "DELETED-OLD-SLOT"
	StateUploadAttempted = "UPLOAD-ATTEMPTED"
	StateBusyRetry       = "BUSY-RETRY"
	StateSuccess         = "SUCCESS"
	StateFailed          = "FAILED"
)

var (
	ErrTooLarge     = errors.New("program: program too large")
	ErrEmpty        = errors.New("program: program text is empty")
	ErrInvalidSlot  = errors.New("program: invalid slot number")
	ErrBusyTimeout  = errors.New("program: controller stayed busy")
	ErrNotConfirmed = errors.New("program: slot not found after upload")
)

// Machine is the vendor surface the pipeline drives.
type Machine interface {
	UploadProgram(ctx context.Context, machineID string, info hilink.UpdateProgramInfo) error
	DeleteProgram(ctx context.Context, machineID string, headType, programNo int16) (int16, error)
	GetProgramData(ctx context.Context, machineID string, headType, programNo int16) (hilink.ProgramData, error)
	GetProgramList(ctx context.Context, machineID string, headType int16) (hilink.ProgramListInfo, error)
	GetActiveProgram(ctx context.Context, machineID string) (hilink.ActiveProgramInfo, error)
}

// Files is the bridge store.
type Files interface {
	ReadFile(rel string) ([]byte, error)
	WriteFile(rel string, data []byte) error
}

// Config tunes the pipeline timings.
type Config struct {
	BusyPollInterval   time.Duration
	BusyMaxWait        time.Duration
	VerifyInitialDelay time.Duration
	VerifyInterval     time.Duration
}

// Pipeline moves programs between the store and machines.
type Pipeline struct {
	machine Machine
	files   Files
	cfg     Config
	logger  zerolog.Logger
}

// NewPipeline creates a Pipeline. Zero config values take the defaults.
func NewPipeline(m Machine, files Files, cfg Config) *Pipeline {
	if cfg.BusyPollInterval <= 0 {
		cfg.BusyPollInterval = time.Second
	}
	if cfg.BusyMaxWait <= 0 {
		cfg.BusyMaxWait = 20 * time.Second
	}
	if cfg.VerifyInitialDelay <= 0 {
		cfg.VerifyInitialDelay = 500 * time.Millisecond
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = 2 * time.Second
	}
	return &Pipeline{machine: m, files: files, cfg: cfg, logger: xglog.WithComponent("program")}
}

// Style selects how the header is enforced.
type Style int

const (
	// StyleSecondLine forces "%" on line one and the header on line two.
	StyleSecondLine Style = iota
	// StyleInPlace replaces the first O-number wherever it is.
	StyleInPlace
)

// UploadRequest describes one upload. Content wins over Path when both are set.
type UploadRequest struct {
	MachineID string
	HeadType  int16
	// SlotNo 0 derives the slot from the file name, falling back to DefaultSlot.
	SlotNo    int
	Path      string
	Content   string
	IsNew     bool
	DeleteOld bool
	Style     Style
}

// UploadResult reports a finished upload.
type UploadResult struct {
	SlotNo   int           `json:"slotNo"`
	Bytes    int           `json:"bytes"`
	State    string        `json:"state"`
	Attempts int           `json:"attempts"`
	Waited   time.Duration `json:"-"`
	WaitedMs int64         `json:"waitedMs"`
	Path     string        `json:"path,omitempty"`
}

func (p *Pipeline) transition(logger zerolog.Logger, op, state string) {
	metrics.IncProgramTransfer(op, state)
	logger.Debug().Str(xglog.FieldEvent, "program."+op).Str(xglog.FieldState, state).Msg("transfer state")
}

// ResolveSlot picks the slot for an upload.
func ResolveSlot(slotNo int, rel string) int {
	if slotNo > 0 {
		return slotNo
	}
	if n := ParseProgramNo(path.Base(rel)); n > 0 {
		return n
	}
	return DefaultSlot
}

// Prepare loads and normalizes the program text for req without touching
// the machine.
func (p *Pipeline) Prepare(req UploadRequest) (string, int, error) {
	slot := ResolveSlot(req.SlotNo, req.Path)
	if slot > 32767 {
		return "", 0, fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	content := req.Content
	if content == "" && req.Path != "" {
		data, err := p.files.ReadFile(req.Path)
		if err != nil {
			return "", 0, err
		}
		content = string(data)
	}
	if content == "" {
		return "", 0, ErrEmpty
	}
	var processed string
	if req.Style == StyleInPlace {
		processed = NormalizeInPlace(content, slot)
	} else {
		processed = Normalize(content, slot)
	}
	if n := len(processed); n > MaxProgramBytes {
		return "", 0, fmt.Errorf("%w (bytes=%d, limit=%d)", ErrTooLarge, n, MaxProgramBytes)
	}
	return processed, slot, nil
}

// Upload normalizes and uploads a program. A busy controller is polled until
// BusyMaxWait; a stale handle is retried once by the machine client.
func (p *Pipeline) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	const op = "upload"
	logger := xglog.WithContext(ctx, p.logger).With().
		Str(xglog.FieldMachineID, req.MachineID).
		Int16(xglog.FieldHeadType, req.HeadType).
		Logger()
	p.transition(logger, op, StateReceived)

	processed, slot, err := p.Prepare(req)
	if err != nil {
		p.transition(logger, op, StateFailed)
		return UploadResult{State: StateFailed}, err
	}
	res := UploadResult{SlotNo: slot, Bytes: len(processed), Path: req.Path}
	logger = logger.With().Int(xglog.FieldSlotNo, slot).Logger()
	p.transition(logger, op, StateNormalized)

	if req.DeleteOld {
		if _, err := p.machine.DeleteProgram(ctx, req.MachineID, req.HeadType, int16(slot)); err == nil {
			p.transition(logger, op, StateDeletedOldSlot)
		} else {
			logger.Debug().Err(err).Str(xglog.FieldEvent, "program.delete_old_failed").Msg("old slot not deleted")
		}
	}

	info := hilink.UpdateProgramInfo{HeadType: req.HeadType, ProgramNo: int16(slot), Data: processed, IsNew: req.IsNew}
	start := time.Now()
	for {
		res.Attempts++
		p.transition(logger, op, StateUploadAttempted)
		err = p.machine.UploadProgram(ctx, req.MachineID, info)
		res.Waited = time.Since(start)
		res.WaitedMs = res.Waited.Milliseconds()
		if err == nil {
			res.State = StateSuccess
			p.transition(logger, op, StateSuccess)
			metrics.ObserveProgramBytes(op, res.Bytes)
			logger.Info().
				Str(xglog.FieldEvent, "program.uploaded").
				Int("bytes", res.Bytes).
				Int(xglog.FieldAttempt, res.Attempts).
				Msg("program uploaded")
			return res, nil
		}
		if !errors.Is(err, hilink.ErrBusy) {
			break
		}
		if res.Waited+p.cfg.BusyPollInterval > p.cfg.BusyMaxWait {
			err = fmt.Errorf("%w (waited %dms): %w", ErrBusyTimeout, res.WaitedMs, err)
			break
		}
		p.transition(logger, op, StateBusyRetry)
		if serr := sleep(ctx, p.cfg.BusyPollInterval); serr != nil {
			err = serr
			break
		}
	}

	res.State = StateFailed
	p.transition(logger, op, StateFailed)
	logger.Warn().Err(err).
		Str(xglog.FieldEvent, "program.upload_failed").
		Int(xglog.FieldAttempt, res.Attempts).
		Msg("program upload failed")
	return res, err
}

// DownloadRequest describes one download.
type DownloadRequest struct {
	MachineID string
	HeadType  int16
	ProgramNo int16
	// Path, when set, is where the program is saved in the store.
	Path string
}

// DownloadResult reports a finished download.
type DownloadResult struct {
	HeadType int16  `json:"headType"`
	SlotNo   int16  `json:"slotNo"`
	Path     string `json:"path,omitempty"`
	Length   int    `json:"length"`
	Data     string `json:"-"`
}

// Download reads a program from the machine and optionally stores it.
func (p *Pipeline) Download(ctx context.Context, req DownloadRequest) (DownloadResult, error) {
	const op = "download"
	logger := xglog.WithContext(ctx, p.logger).With().
		Str(xglog.FieldMachineID, req.MachineID).
		Int16(xglog.FieldSlotNo, req.ProgramNo).
		Logger()
	p.transition(logger, op, StateReceived)

	data, err := p.machine.GetProgramData(ctx, req.MachineID, req.HeadType, req.ProgramNo)
	if err == nil && data.Data == "" {
		err = fmt.Errorf("%w: slot %d returned no data", ErrEmpty, req.ProgramNo)
	}
	if err != nil {
		p.transition(logger, op, StateFailed)
		return DownloadResult{}, err
	}
	res := DownloadResult{HeadType: req.HeadType, SlotNo: req.ProgramNo, Length: len(data.Data), Data: data.Data}
	if req.Path != "" {
		if err := p.files.WriteFile(req.Path, []byte(data.Data)); err != nil {
			p.transition(logger, op, StateFailed)
			return res, fmt.Errorf("save program: %w", err)
		}
		res.Path = req.Path
	}
	p.transition(logger, op, StateSuccess)
	metrics.ObserveProgramBytes(op, res.Length)
	return res, nil
}

// VerifyExists polls the program list until slotNo appears or timeout
// elapses.
func (p *Pipeline) VerifyExists(ctx context.Context, machineID string, headType, slotNo int16, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wait := p.cfg.VerifyInitialDelay
	for {
		if err := sleep(ctx, wait); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: slot %d on %s", ErrNotConfirmed, slotNo, machineID)
			}
			return err
		}
		list, err := p.machine.GetProgramList(ctx, machineID, headType)
		if err == nil && list.Contains(slotNo) {
			return nil
		}
		wait = p.cfg.VerifyInterval
	}
}

// ActiveSlot returns the program number of the active main program, falling
// back to the sub program. Zero means none could be determined.
func (p *Pipeline) ActiveSlot(ctx context.Context, machineID string) (int, error) {
	info, err := p.machine.GetActiveProgram(ctx, machineID)
	if err != nil {
		return 0, err
	}
	if n := ParseProgramNo(info.MainProgramName); n > 0 {
		return n, nil
	}
	return ParseProgramNo(info.SubProgramName), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
