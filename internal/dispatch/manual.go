package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/abutsfit/cncbridge/internal/hilink"
	xglog "github.com/abutsfit/cncbridge/internal/log"
	"github.com/abutsfit/cncbridge/internal/metrics"
	"github.com/abutsfit/cncbridge/internal/program"
)

type manualState struct {
	nextSlot          int
	lastPreloadedSlot int
	lastPreloadedPath string
	lastPreloadedAt   time.Time
}

// PreloadRequest uploads a file ahead of a manual play.
type PreloadRequest struct {
	Path   string `json:"path"`
	SlotNo *int   `json:"slotNo,omitempty"`
}

// PreloadResult names the slot a preload targets.
type PreloadResult struct {
	SlotNo     int    `json:"slotNo"`
	NextSlotNo int    `json:"nextSlotNo"`
	Path       string `json:"path"`
}

// PlayRequest loads a file and starts it right away.
type PlayRequest struct {
	Path   string `json:"path"`
	SlotNo *int   `json:"slotNo,omitempty"`
	// SkipAlarmCheck defaults to true. False refuses to start a machine
	// in ALARM.
	SkipAlarmCheck *bool `json:"skipAlarmCheck,omitempty"`
}

// PlayResult names the slot that was started.
type PlayResult struct {
	SlotNo int    `json:"slotNo"`
	Path   string `json:"path"`
}

// LastPreload reports the last successful manual preload of a machine.
func (d *Dispatcher) LastPreload(machineID string) (slot int, path string, at time.Time, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.manual[key(machineID)]
	if st == nil || st.lastPreloadedPath == "" {
		return 0, "", time.Time{}, false
	}
	return st.lastPreloadedSlot, st.lastPreloadedPath, st.lastPreloadedAt, true
}

func manualSlot(slot *int) (int, error) {
	if slot == nil {
		return 0, nil
	}
	if !isToggleSlot(*slot) {
		return 0, ErrInvalidSlot
	}
	return *slot, nil
}

// Preload checks the file and uploads it in the background. Without a slot
// it alternates between the toggle slots.
func (d *Dispatcher) Preload(ctx context.Context, machineID string, req PreloadRequest) (PreloadResult, error) {
	path := strings.TrimSpace(req.Path)
	if path == "" {
		return PreloadResult{}, ErrNoPath
	}
	desired, err := manualSlot(req.SlotNo)
	if err != nil {
		return PreloadResult{}, err
	}

	d.mu.Lock()
	st := d.manual[key(machineID)]
	if st == nil {
		st = &manualState{nextSlot: SlotA}
		d.manual[key(machineID)] = st
	}
	slot := desired
	if slot == 0 {
		slot = st.nextSlot
	}
	d.mu.Unlock()

	if _, _, err := d.programs.Prepare(program.UploadRequest{Path: path, SlotNo: slot}); err != nil {
		return PreloadResult{}, err
	}

	d.mu.Lock()
	if desired == 0 {
		st.nextSlot = OtherSlot(slot)
	}
	next := st.nextSlot
	d.mu.Unlock()

	logger := d.logger.With().
		Str(xglog.FieldMachineID, machineID).
		Int(xglog.FieldSlotNo, slot).
		Str(xglog.FieldPath, path).
		Logger()
	ok := d.spawn(func() {
		if _, err := d.upload(d.ctx, machineID, path, slot); err != nil {
			metrics.IncDispatch("manual", "preload_failed")
			logger.Warn().Err(err).Str(xglog.FieldEvent, "dispatch.manual_preload_failed").Msg("manual preload failed")
			return
		}
		d.mu.Lock()
		st.lastPreloadedSlot = slot
		st.lastPreloadedPath = path
		st.lastPreloadedAt = d.now().UTC()
		d.mu.Unlock()
		metrics.IncDispatch("manual", "preloaded")
		logger.Info().Str(xglog.FieldEvent, "dispatch.manual_preloaded").Msg("manual preload done")
	})
	if !ok {
		return PreloadResult{}, ErrStopped
	}
	return PreloadResult{SlotNo: slot, NextSlotNo: next, Path: path}, nil
}

// Play uploads a file into a toggle slot that is not active, waits for the
// controller to list it and starts it.
func (d *Dispatcher) Play(ctx context.Context, machineID string, req PlayRequest) (PlayResult, error) {
	path := strings.TrimSpace(req.Path)
	if path == "" {
		return PlayResult{}, ErrNoPath
	}
	desired, err := manualSlot(req.SlotNo)
	if err != nil {
		return PlayResult{}, err
	}
	if req.SkipAlarmCheck != nil && !*req.SkipAlarmCheck {
		if err := d.alarmed(ctx, machineID); err != nil {
			return PlayResult{}, err
		}
	}

	active, _ := d.programs.ActiveSlot(ctx, machineID)
	slot := desired
	if slot == 0 {
		slot = SlotA
		if isToggleSlot(active) {
			slot = OtherSlot(active)
		}
	}
	if active > 0 && slot == active {
		slot = OtherSlot(slot)
	}

	if _, _, err := d.programs.Prepare(program.UploadRequest{Path: path, SlotNo: slot}); err != nil {
		return PlayResult{}, err
	}
	if _, err := d.upload(ctx, machineID, path, slot); err != nil {
		return PlayResult{}, step("UPLOAD_FAILED", err)
	}
	d.mu.Lock()
	st := d.manual[key(machineID)]
	if st == nil {
		st = &manualState{nextSlot: SlotA}
		d.manual[key(machineID)] = st
	}
	st.lastPreloadedSlot = slot
	st.lastPreloadedPath = path
	st.lastPreloadedAt = d.now().UTC()
	d.mu.Unlock()

	if err := d.programs.VerifyExists(ctx, machineID, hilink.HeadMain, int16(slot), d.cfg.VerifyTimeout); err != nil {
		return PlayResult{}, step("UPLOAD_FAILED", fmt.Errorf("program not found after upload: %w", err))
	}
	if err := d.arm(ctx, machineID, slot, true); err != nil {
		return PlayResult{}, err
	}
	metrics.IncDispatch("manual", "played")
	d.logger.Info().
		Str(xglog.FieldEvent, "dispatch.manual_play").
		Str(xglog.FieldMachineID, machineID).
		Int(xglog.FieldSlotNo, slot).
		Str(xglog.FieldPath, path).
		Msg("manual play started")
	return PlayResult{SlotNo: slot, Path: path}, nil
}
