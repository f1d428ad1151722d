package receiver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/strand/internal/agent"
	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/relay/envelope"
)

// summaryLimit bounds the output excerpt kept on a run record.
const summaryLimit = 1000

// Run statuses recorded for pulse dispatches.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// PulseDispatchPayload is the scheduler's dispatch message.
type PulseDispatchPayload struct {
	ScheduleID     string `json:"scheduleId"`
	RunID          string `json:"runId"`
	Prompt         string `json:"prompt"`
	Cwd            string `json:"cwd,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
}

// RunRecord is the outcome written back to the scheduler's store.
type RunRecord struct {
	ScheduleID    string
	RunID         string
	Status        string
	Duration      time.Duration
	OutputSummary string
	Error         string
}

// PulseStore persists run outcomes. The scheduler owns the storage;
// the receiver only reports.
type PulseStore interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// handlePulse runs one scheduled dispatch: validate, TTL pre-check,
// session send, bounded output collection, outcome record.
func (r *Receiver) handlePulse(env envelope.Envelope) error {
	payload, err := parsePulsePayload(env.Payload)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if r.clock().UnixMilli() >= env.Budget.TTL {
		r.recordRun(ctx, RunRecord{
			ScheduleID: payload.ScheduleID,
			RunID:      payload.RunID,
			Status:     RunCancelled,
			Error:      "Run timed out (TTL budget expired)",
		})
		return nil
	}

	rec := r.runPulse(ctx, env, payload)
	r.recordRun(ctx, rec)
	if rec.Status == RunFailed {
		return fmt.Errorf("pulse run %s failed: %s", payload.RunID, rec.Error)
	}
	return nil
}

func (r *Receiver) runPulse(ctx context.Context, env envelope.Envelope, payload PulseDispatchPayload) RunRecord {
	rec := RunRecord{ScheduleID: payload.ScheduleID, RunID: payload.RunID}
	start := r.clock()

	cwd := payload.Cwd
	if cwd == "" {
		cwd = r.opts.DefaultCwd
	}
	sess, err := r.agents.Ensure(ctx, payload.RunID, cwd)
	if err != nil {
		rec.Status = RunFailed
		rec.Error = err.Error()
		return rec
	}

	// The envelope TTL doubles as the run's abort deadline.
	runCtx, cancel := context.WithDeadline(ctx, time.UnixMilli(env.Budget.TTL))
	defer cancel()

	stream, err := sess.Send(runCtx, payload.Prompt)
	if err != nil {
		rec.Status = RunFailed
		rec.Error = err.Error()
		rec.Duration = r.clock().Sub(start)
		return rec
	}

	var summary []byte
	rec.Status = RunCompleted
collect:
	for {
		select {
		case <-runCtx.Done():
			rec.Status = RunCancelled
			rec.Error = "Run timed out (TTL budget expired)"
			break collect
		case ev, open := <-stream:
			if !open {
				break collect
			}
			switch ev.Type {
			case agent.StreamError:
				rec.Status = RunFailed
				rec.Error = ev.Text
			default:
				if remaining := summaryLimit - len(summary); remaining > 0 {
					text := ev.Text
					if len(text) > remaining {
						text = text[:remaining]
					}
					summary = append(summary, text...)
				}
			}
		}
	}
	rec.OutputSummary = string(summary)
	rec.Duration = r.clock().Sub(start)
	return rec
}

func parsePulsePayload(raw any) (PulseDispatchPayload, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return PulseDispatchPayload{}, fmt.Errorf("pulse payload not serializable: %w", err)
	}
	var payload PulseDispatchPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return PulseDispatchPayload{}, fmt.Errorf("malformed pulse payload: %w", err)
	}
	if payload.ScheduleID == "" || payload.RunID == "" || payload.Prompt == "" {
		return PulseDispatchPayload{}, fmt.Errorf("pulse payload missing scheduleId, runId, or prompt")
	}
	return payload, nil
}

func (r *Receiver) recordRun(ctx context.Context, rec RunRecord) {
	if r.opts.Pulses == nil {
		return
	}
	if err := r.opts.Pulses.RecordRun(ctx, rec); err != nil {
		log.ErrorErr(log.CatReceiver, "pulse run record failed", err, "run", rec.RunID)
	}
	log.Info(log.CatReceiver, "pulse run finished",
		"run", rec.RunID, "schedule", rec.ScheduleID, "status", rec.Status)
}
