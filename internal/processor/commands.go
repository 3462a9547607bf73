package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/zulandar/intakeyard/internal/gate"
	"github.com/zulandar/intakeyard/internal/identity"
	"github.com/zulandar/intakeyard/internal/intake"
	"github.com/zulandar/intakeyard/internal/messaging"
	"github.com/zulandar/intakeyard/internal/models"
)

// Readings is the live weight display for an operator screen.
type Readings struct {
	gate.Readings
	FeedOnline bool           `json:"feed_online"`
	OnBridge   bool           `json:"on_bridge"`
	Stale      bool           `json:"stale"`
	Card       *identity.Card `json:"card,omitempty"`
	Buffer     string         `json:"buffer,omitempty"`
}

// ConfirmResult reports what a confirmed reading was applied to.
type ConfirmResult struct {
	Capture        gate.Capture           `json:"capture"`
	ItemWeight     *decimal.Decimal       `json:"item_weight,omitempty"`
	Reconciliation *intake.Reconciliation `json:"reconciliation,omitempty"`
}

// Snapshot returns a copy of the record.
func (p *Processor) Snapshot(ctx context.Context) (*models.IntakeRecord, error) {
	v, err := p.do(ctx, "snapshot", false, func() (any, error) {
		return p.m.Snapshot(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.IntakeRecord), nil
}

// Readings returns the gate's preview and captured values.
func (p *Processor) Readings(ctx context.Context) (Readings, error) {
	v, err := p.do(ctx, "readings", false, func() (any, error) {
		p.syncBridge()
		r := Readings{
			Readings:   p.gate.Readings(p.m.View()),
			FeedOnline: p.online,
			OnBridge:   p.onBridge,
			Stale:      p.stale.warned,
			Buffer:     p.matcher.Buffer(),
		}
		if p.resolved != nil {
			c := *p.resolved
			r.Card = &c
		}
		return r, nil
	})
	if err != nil {
		return Readings{}, err
	}
	return v.(Readings), nil
}

// RecordGateEntry records vehicle details. With no card ID, the card most
// recently resolved by the identity matcher is used, if any. The card is
// associated with the record before the step advances and released again
// if the step is refused.
func (p *Processor) RecordGateEntry(ctx context.Context, info intake.VehicleInfo, cardID string) error {
	_, err := p.do(ctx, "record_gate_entry", true, func() (any, error) {
		if v := p.m.View(); v.Step != models.StepGateEntry || v.Status != models.StatusInProgress {
			return nil, p.m.RecordGateEntry(info, cardID)
		}
		cardID = strings.ToUpper(strings.TrimSpace(cardID))
		if cardID == "" && p.resolved != nil {
			cardID = p.resolved.ID
		}
		if strings.TrimSpace(info.VehicleNumber) == "" {
			return nil, p.m.RecordGateEntry(info, cardID)
		}
		if cardID != "" && p.deps.Catalog != nil {
			if err := p.deps.Catalog.Associate(ctx, cardID, p.id); err != nil {
				return nil, fmt.Errorf("processor: associate card %s: %w", cardID, err)
			}
		}
		if err := p.m.RecordGateEntry(info, cardID); err != nil {
			if cardID != "" && p.deps.Catalog != nil {
				if rerr := p.deps.Catalog.Release(ctx, cardID); rerr != nil {
					log.Printf("processor: %s: release card %s: %v", p.id, cardID, rerr)
				}
			}
			return nil, err
		}
		p.matcher.Clear()
		return nil, nil
	})
	return err
}

// RecordInitialWeighing records the tare weight.
func (p *Processor) RecordInitialWeighing(ctx context.Context, tare decimal.Decimal) error {
	_, err := p.do(ctx, "record_initial_weighing", true, func() (any, error) {
		return nil, p.m.RecordInitialWeighing(tare)
	})
	return err
}

// MarkAtWeighbridge moves an item to the weighbridge.
func (p *Processor) MarkAtWeighbridge(ctx context.Context, itemID string) error {
	_, err := p.do(ctx, "mark_at_weighbridge", true, func() (any, error) {
		return nil, p.m.MarkAtWeighbridge(itemID)
	})
	return err
}

// BeginLoading starts loading an item.
func (p *Processor) BeginLoading(ctx context.Context, itemID string) error {
	_, err := p.do(ctx, "begin_loading", true, func() (any, error) {
		return nil, p.m.BeginLoading(itemID)
	})
	return err
}

// RecordWeightAfterLoading records the truck weight after an item was
// loaded and returns the item's weight.
func (p *Processor) RecordWeightAfterLoading(ctx context.Context, itemID string, observed decimal.Decimal) (decimal.Decimal, error) {
	v, err := p.do(ctx, "record_weight_after_loading", true, func() (any, error) {
		return p.m.RecordWeightAfterLoading(itemID, observed)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

// SkipItem resolves an item without loading it.
func (p *Processor) SkipItem(ctx context.Context, itemID, remarks string) error {
	_, err := p.do(ctx, "skip_item", true, func() (any, error) {
		return nil, p.m.SkipItem(itemID, remarks)
	})
	return err
}

// FinishLoading moves on to final weighing.
func (p *Processor) FinishLoading(ctx context.Context) error {
	_, err := p.do(ctx, "finish_loading", true, func() (any, error) {
		return nil, p.m.FinishLoading()
	})
	return err
}

// RecordFinalWeighing records the gross weight and completes the record.
func (p *Processor) RecordFinalWeighing(ctx context.Context, gross decimal.Decimal) (intake.Reconciliation, error) {
	v, err := p.do(ctx, "record_final_weighing", true, func() (any, error) {
		rc, err := p.m.RecordFinalWeighing(gross)
		if err != nil {
			return nil, err
		}
		p.flagIfNeeded(rc, "")
		return rc, nil
	})
	if err != nil {
		return intake.Reconciliation{}, err
	}
	return v.(intake.Reconciliation), nil
}

// OverrideFinalWeighing records a gross weight the loaded items cannot
// account for, with the operator's reason.
func (p *Processor) OverrideFinalWeighing(ctx context.Context, gross decimal.Decimal, reason string) (intake.Reconciliation, error) {
	v, err := p.do(ctx, "override_final_weighing", true, func() (any, error) {
		rc, err := p.m.OverrideFinalWeighing(gross, reason)
		if err != nil {
			return nil, err
		}
		p.flagIfNeeded(rc, reason)
		return rc, nil
	})
	if err != nil {
		return intake.Reconciliation{}, err
	}
	return v.(intake.Reconciliation), nil
}

// Cancel cancels the record.
func (p *Processor) Cancel(ctx context.Context, reason string) error {
	_, err := p.do(ctx, "cancel", true, func() (any, error) {
		return nil, p.m.Cancel(reason)
	})
	return err
}

// ConfirmReading applies the settled weighbridge reading captured for the
// current step: tare, the loading item's weight, or gross.
func (p *Processor) ConfirmReading(ctx context.Context) (ConfirmResult, error) {
	v, err := p.do(ctx, "confirm_reading", true, func() (any, error) {
		const op = "confirm reading"
		view := p.m.View()
		c, ok := p.gate.Captured(view)
		if !ok {
			return nil, intake.NewError(intake.KindPreconditionFailed, op,
				errors.New("no settled reading for the current step"))
		}
		res := ConfirmResult{Capture: c}
		switch c.Target {
		case gate.TargetTare:
			if err := p.m.RecordInitialWeighing(c.Value); err != nil {
				return nil, err
			}
		case gate.TargetItem:
			w, err := p.m.RecordWeightAfterLoading(c.ItemID, c.Value)
			if err != nil {
				return nil, err
			}
			res.ItemWeight = &w
		case gate.TargetGross:
			rc, err := p.m.RecordFinalWeighing(c.Value)
			if err != nil {
				return nil, err
			}
			p.flagIfNeeded(rc, "")
			res.Reconciliation = &rc
		}
		p.gate.Consume(view)
		return res, nil
	})
	if err != nil {
		return ConfirmResult{}, err
	}
	return v.(ConfirmResult), nil
}

// KeyInput feeds characters typed at the gate into the identity matcher.
func (p *Processor) KeyInput(ctx context.Context, chars string) error {
	_, err := p.do(ctx, "key_input", false, func() (any, error) {
		p.input(chars, p.opts.Now())
		return nil, nil
	})
	return err
}

// Tick runs the timer checks now rather than on the next ticker beat.
func (p *Processor) Tick(ctx context.Context) error {
	_, err := p.do(ctx, "tick", false, func() (any, error) {
		p.onTick(p.opts.Now())
		return nil, nil
	})
	return err
}

func (p *Processor) flagIfNeeded(rc intake.Reconciliation, overrideReason string) {
	if rc.WithinTolerance && overrideReason == "" {
		return
	}
	evt := p.event(messaging.KindReconciliationFlagged)
	evt.Step = models.StepFinalWeighing
	evt.Reconciliation = &rc
	if overrideReason != "" {
		evt.Detail = "final weighing overridden: " + overrideReason
	} else {
		evt.Detail = fmt.Sprintf("net weight %s differs from loaded weight %s by more than %s",
			rc.Net, rc.Loaded, rc.Tolerance)
	}
	p.publish(evt)
}
