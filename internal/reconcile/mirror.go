package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tpsl_keeper/internal/exchange"
	"tpsl_keeper/internal/helper"
	"tpsl_keeper/internal/models"
	"tpsl_keeper/pkg/logger"
)

// MirrorTarget — желаемый размер зеркала, округлённый к шагу.
func MirrorTarget(primaryTracked, ratio, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return primaryTracked.Mul(ratio)
	}
	return primaryTracked.Mul(ratio).Div(step).Round(0).Mul(step)
}

// InferRatio — среднее mirror/primary по парам открытых позиций.
func InferRatio(pairs [][2]decimal.Decimal) (decimal.Decimal, bool) {
	sum := decimal.Zero
	n := 0
	for _, p := range pairs {
		primary, mirror := p[0], p[1]
		if primary.Sign() <= 0 || mirror.Sign() <= 0 {
			continue
		}
		sum = sum.Add(mirror.Div(primary))
		n++
	}
	if n == 0 {
		return decimal.Zero, false
	}
	return sum.Div(decimal.NewFromInt(int64(n))).Round(8), true
}

type SyncOutcome int

const (
	SyncInSync SyncOutcome = iota
	SyncCorrected
	SyncSuspended
	SyncSkipped
)

type SyncResult struct {
	Outcome   SyncOutcome
	Desired   decimal.Decimal
	Corrected decimal.Decimal // знаковый объём маркет-ордера
	Rebalance Result
}

type MirrorOptions struct {
	// TolerancePct — относительный допуск расхождения, в процентах от цели.
	// Меньше одного шага допуск не бывает.
	TolerancePct decimal.Decimal
	Policy       Policy
}

// Synchronizer держит зеркало в заданной пропорции к основному аккаунту.
// Вызывается под локами обоих мониторов (сначала основной, потом зеркало).
type Synchronizer struct {
	gw         exchange.Gateway
	rebalancer *Rebalancer
	breaker    *Breaker
	sink       EventSink
	opts       MirrorOptions
	now        func() time.Time
}

func NewSynchronizer(gw exchange.Gateway, rebalancer *Rebalancer, breaker *Breaker, sink EventSink, opts MirrorOptions) *Synchronizer {
	return &Synchronizer{
		gw:         gw,
		rebalancer: rebalancer,
		breaker:    breaker,
		sink:       sink,
		opts:       opts,
		now:        time.Now,
	}
}

func MirrorBreakerKey(k models.PositionKey) string { return "mirror:" + k.String() }

// Sync выравнивает размер зеркала и его ладдер. mirror должен быть
// только что перечитан с биржи своим монитором.
func (s *Synchronizer) Sync(ctx context.Context, primary, mirror *models.PositionMonitor, inst models.Instrument) (SyncResult, error) {
	if !primary.MirrorRatio.Valid {
		return SyncResult{Outcome: SyncSkipped}, nil
	}
	if mirror.Key.Account != models.AccountMirror || primary.Key.WithAccount(models.AccountMirror) != mirror.Key {
		return SyncResult{Outcome: SyncSkipped}, fmt.Errorf("mirror sync: %s is not the mirror of %s", mirror.Key, primary.Key)
	}
	bk := MirrorBreakerKey(mirror.Key)
	if !s.breaker.Allow(bk) {
		return SyncResult{Outcome: SyncSuspended}, nil
	}

	step := helper.Step(inst)
	res := SyncResult{Outcome: SyncInSync}
	res.Desired = MirrorTarget(primary.TrackedSize, primary.MirrorRatio.Decimal, step)

	if err := s.mirrorHitLevels(ctx, primary, mirror); err != nil {
		return res, err
	}

	diff := res.Desired.Sub(mirror.TrackedSize)
	if diff.Abs().GreaterThan(s.tolerance(res.Desired, step)) {
		qty := helper.RoundDownToStep(diff.Abs(), step)
		if qty.Sign() > 0 {
			req := models.OrderRequest{
				ClientOrderID: models.NewCorrectionOrderID(),
				Type:          models.OrderTypeMarket,
				Quantity:      qty,
				ReduceOnly:    diff.Sign() < 0,
			}
			if _, err := s.gw.PlaceOrder(ctx, mirror.Key, req); err != nil {
				s.correctionFailed(ctx, mirror, req, err)
				if s.breaker.Record(bk) {
					s.suspended(ctx, mirror)
					res.Outcome = SyncSuspended
				}
				return res, fmt.Errorf("mirror correction %s %s: %w", mirror.Key, diff, err)
			}
			signed := qty
			if diff.Sign() < 0 {
				signed = qty.Neg()
			}
			res.Outcome = SyncCorrected
			res.Corrected = signed
			s.applyCorrection(mirror, signed)
			logger.Info("[MIRROR] %s corrected by %s to %s (primary %s x %s)",
				mirror.Key, signed, mirror.TrackedSize, primary.TrackedSize, primary.MirrorRatio.Decimal)

			if s.breaker.Record(bk) {
				s.suspended(ctx, mirror)
			}
		}
	}

	plan := PlanRebalance(mirror, inst, s.opts.Policy)
	if !plan.Empty() {
		res.Rebalance = s.rebalancer.Apply(ctx, mirror, plan)
	}
	return res, nil
}

// mirrorHitLevels снимает на зеркале TP тех уровней, что уже сработали
// на основном аккаунте. Отмена идёт до маркет-ордера, иначе висящий
// reduce-only TP может закрыть лишнее.
func (s *Synchronizer) mirrorHitLevels(ctx context.Context, primary, mirror *models.PositionMonitor) error {
	for _, level := range primary.HitLevels {
		if mirror.IsHit(level) {
			continue
		}
		tp := mirror.TakeProfit(level)
		if tp != nil && tp.IsOpen() {
			err := s.gw.CancelOrder(ctx, mirror.Key, *tp)
			if err != nil && !exchange.IsNotFound(err) {
				return fmt.Errorf("mirror cancel TP%d %s: %w", level, mirror.Key, err)
			}
		}
		mirror.MarkHit(level, decimal.Zero)
		if mirror.Phase == models.PhaseBuilding {
			mirror.Phase = models.PhaseProfitTaking
		}
	}
	return nil
}

func (s *Synchronizer) applyCorrection(mirror *models.PositionMonitor, signed decimal.Decimal) {
	if signed.Sign() < 0 {
		if base, ok := originalSize(mirror, mirror.TrackedSize); ok {
			pct := signed.Neg().Div(base).Mul(hundred)
			mirror.CumulativeReductionPct = decimal.Min(hundred, mirror.CumulativeReductionPct.Add(pct))
		}
	}
	mirror.TrackedSize = mirror.TrackedSize.Add(signed)
	if mirror.TrackedSize.Sign() < 0 {
		mirror.TrackedSize = decimal.Zero
	}
	mirror.RecomputeTarget()
}

func (s *Synchronizer) tolerance(desired, step decimal.Decimal) decimal.Decimal {
	tol := desired.Abs().Mul(s.opts.TolerancePct).Div(hundred)
	return decimal.Max(tol, step)
}

// correctionFailed — о постоянной ошибке маркет-ордера сообщаем наружу,
// временные тихо повторятся на следующем цикле.
func (s *Synchronizer) correctionFailed(ctx context.Context, mirror *models.PositionMonitor, req models.OrderRequest, err error) {
	if exchange.IsTransient(err) || s.sink == nil {
		return
	}
	s.sink.Publish(ctx, models.Event{
		Kind:   models.EventOrderPlacementFailed,
		Key:    mirror.Key,
		Size:   req.Quantity,
		Reason: fmt.Sprintf("mirror correction: %v", err),
		At:     s.now(),
	})
}

func (s *Synchronizer) suspended(ctx context.Context, mirror *models.PositionMonitor) {
	logger.Error("[MIRROR] %s: too many corrections, sync suspended", mirror.Key)
	if s.sink == nil {
		return
	}
	s.sink.Publish(ctx, models.Event{
		Kind:   models.EventSyncSuspended,
		Key:    mirror.Key,
		Size:   mirror.TrackedSize,
		Reason: "mirror correction limit exceeded",
		At:     s.now(),
	})
}
