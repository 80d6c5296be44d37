package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"outbound-dialer/internal/crm"
	"outbound-dialer/internal/dialqueue"
	"outbound-dialer/internal/pbx"
	"outbound-dialer/internal/token"

	"golang.org/x/sync/errgroup"
)

// BusyChecker answers whether an extension is currently engaged, from the
// process-wide availability cache.
type BusyChecker interface {
	IsBusy(dn string) bool
}

// Notifier delivers campaign snapshots and error envelopes to observers.
// Both are best-effort: implementations must not block and their failures
// never abort a dial cycle.
type Notifier interface {
	CampaignUpdated(snap Snapshot)
	CampaignError(campaignID string, p ErrorPayload)
}

// SlotLimiter caps concurrent call placements per campaign. A nil limiter
// means no cap.
type SlotLimiter interface {
	Acquire(ctx context.Context, campaignID string) bool
	Release(ctx context.Context, campaignID string)
}

// EventConn is the campaign's persistent call-control event session.
type EventConn interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
}

// ConnFactory builds an event connection bound to a token. A PBX session is
// bound to the token that opened it, so token rotation means a new session.
type ConnFactory func(accessToken string, onEvent func(data []byte), onReconnect func()) EventConn

// ControllerOptions tunes the dial loop.
type ControllerOptions struct {
	ReplenishFactor   int
	CandidateLimit    int
	CallSettleDelay   time.Duration
	VisitSettleDelay  time.Duration
	StopTeardownDelay time.Duration
	IdleCheckInterval time.Duration
	Token             token.Options
}

func (o ControllerOptions) withDefaults() ControllerOptions {
	out := o
	if out.ReplenishFactor <= 0 {
		out.ReplenishFactor = 2
	}
	if out.CandidateLimit <= 0 {
		out.CandidateLimit = 50
	}
	if out.CallSettleDelay <= 0 {
		out.CallSettleDelay = 3 * time.Second
	}
	if out.VisitSettleDelay <= 0 {
		out.VisitSettleDelay = 2 * time.Second
	}
	if out.StopTeardownDelay <= 0 {
		out.StopTeardownDelay = 2 * time.Second
	}
	if out.IdleCheckInterval <= 0 {
		out.IdleCheckInterval = 30 * time.Second
	}
	return out
}

// ControllerDeps are the controller's constructor-injected collaborators.
type ControllerDeps struct {
	Registry Registry
	Queue    dialqueue.Queue
	PBX      pbx.CallControl
	CRM      crm.DialSource
	Busy     BusyChecker
	Slots    SlotLimiter
	Conn     ConnFactory
	Notify   Notifier

	// OnTeardown is called once after full teardown so the owning
	// directory can drop its reference.
	OnTeardown func(campaignID string)

	Log *slog.Logger
}

// Controller is the dialing state machine bound to one campaign. It owns the
// campaign's token manager, event connection and dial-cycle gate; nothing
// else mutates them.
type Controller struct {
	mu sync.Mutex
	c  *Campaign

	deps ControllerDeps
	opts ControllerOptions

	tokens *token.Manager
	conn   EventConn

	gate         cycleGate
	replenishing atomic.Bool
	tornDown     atomic.Bool

	runCtx context.Context
	cancel context.CancelFunc

	sleep func(ctx context.Context, d time.Duration)
	clock func() time.Time
	log   *slog.Logger
}

func NewController(c *Campaign, deps ControllerDeps, opts ControllerOptions) *Controller {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("campaign_id", c.ID)

	ctl := &Controller{
		c:     c,
		deps:  deps,
		opts:  opts.withDefaults(),
		sleep: sleepCtx,
		clock: time.Now,
		log:   log,
	}
	ctl.tokens = token.NewManager(
		c.ClientID, c.ClientSecret,
		deps.PBX, deps.PBX,
		ctl.persistToken,
		ctl.opts.Token,
		log,
	)
	if c.AccessToken != "" {
		ctl.tokens.Adopt(c.AccessToken)
	}
	return ctl
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (ctl *Controller) ID() string {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.c.ID
}

func (ctl *Controller) State() State {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.c.State
}

func (ctl *Controller) TornDown() bool {
	return ctl.tornDown.Load()
}

// persistToken mirrors a freshly issued token into the campaign record.
func (ctl *Controller) persistToken(ctx context.Context, tok string) error {
	ctl.mu.Lock()
	ctl.c.AccessToken = tok
	id := ctl.c.ID
	ctl.mu.Unlock()
	return ctl.deps.Registry.UpdateToken(ctx, id, tok)
}

// Start persists the campaign, ensures a usable token, opens the event
// session and arms the idle-check safety net. Start is a lifecycle entry
// point: unlike cycle-internal steps, it reports failure to its caller.
func (ctl *Controller) Start(ctx context.Context) error {
	ctl.mu.Lock()
	ctl.c.State = StateActive
	ctl.c.Error = ""
	ctl.mu.Unlock()

	if err := ctl.persistCampaign(ctx); err != nil {
		return fmt.Errorf("campaign %s: persist: %w", ctl.ID(), err)
	}

	if !ctl.tokens.CheckAndRefresh(ctx) {
		if !ctl.tokens.ForceRefresh(ctx) {
			return fmt.Errorf("campaign %s: could not obtain a token", ctl.ID())
		}
	}

	if err := ctl.openConn(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ctl.mu.Lock()
	ctl.runCtx = runCtx
	ctl.cancel = cancel
	ctl.mu.Unlock()

	go ctl.idleLoop(runCtx)
	ctl.Trigger()
	return nil
}

func (ctl *Controller) persistCampaign(ctx context.Context) error {
	ctl.mu.Lock()
	cp := *ctl.c
	ctl.mu.Unlock()
	return ctl.deps.Registry.Save(ctx, &cp)
}

// openConn (re)builds the event session with the current token.
func (ctl *Controller) openConn(ctx context.Context) error {
	ctl.mu.Lock()
	old := ctl.conn
	ctl.mu.Unlock()
	if old != nil {
		old.Disconnect()
	}

	conn := ctl.deps.Conn(ctl.tokens.Current(), ctl.handleEvent, ctl.handleReconnect)
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("campaign %s: event connection: %w", ctl.ID(), err)
	}
	ctl.mu.Lock()
	ctl.conn = conn
	ctl.mu.Unlock()
	return nil
}

// handleEvent processes one raw stream message. Malformed payloads are a
// per-message failure: logged and skipped, never fatal to the loop.
func (ctl *Controller) handleEvent(data []byte) {
	env, err := pbx.ParseEvent(data)
	if err != nil {
		ctl.log.Warn("dropping malformed event", "err", err)
		return
	}
	if env.TriggersDial() {
		ctl.Trigger()
	}
}

// handleReconnect re-primes the dial loop after the session self-healed;
// events lost during the outage may have left idle extensions undialed.
func (ctl *Controller) handleReconnect() {
	ctl.log.Info("event session recovered, re-priming dial loop")
	ctl.Trigger()
}

func (ctl *Controller) idleLoop(ctx context.Context) {
	t := time.NewTicker(ctl.opts.IdleCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ctl.Trigger()
		}
	}
}

// Trigger requests a dial cycle. Bursts coalesce: at most one cycle runs at
// a time and at most one follow-up is queued behind it.
func (ctl *Controller) Trigger() {
	if ctl.tornDown.Load() {
		return
	}
	if !ctl.gate.tryBegin() {
		return
	}
	go func() {
		for {
			ctl.runCycle()
			if !ctl.gate.end() {
				return
			}
		}
	}()
}

// runCycle is one pass of the outbound dial loop. Nothing inside it is
// allowed to propagate a failure out; every step is individually caught.
func (ctl *Controller) runCycle() {
	ctl.mu.Lock()
	ctx := ctl.runCtx
	state := ctl.c.State
	ctl.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if state == StateStopped {
		ctl.runStopCheck(ctx)
		return
	}
	if state != StateActive {
		return
	}

	prevTok := ctl.tokens.Current()
	if !ctl.tokens.CheckAndRefresh(ctx) {
		ctl.reportError("token", errors.New("no usable token for this cycle"))
		return
	}
	if ctl.tokens.Rotated(prevTok) {
		// The PBX session is bound to the token that opened it.
		if err := ctl.openConn(ctx); err != nil {
			ctl.reportError("connection", err)
			return
		}
	}

	exts, ok := ctl.refreshSnapshot(ctx)
	if !ok {
		return
	}

	ctl.broadcast(ctx)

	// Per-extension dial work is logically concurrent and unordered; one
	// extension's failure must not abort the others'.
	var wg sync.WaitGroup
	for _, ext := range exts {
		wg.Add(1)
		go func(ext pbx.Extension) {
			defer wg.Done()
			ctl.dialExtension(ctx, ext, len(exts))
		}(ext)
	}
	wg.Wait()
}

// refreshSnapshot fetches the extension snapshot, persists it, and
// reconciles in-flight call record statuses against it.
func (ctl *Controller) refreshSnapshot(ctx context.Context) ([]pbx.Extension, bool) {
	exts, err := ctl.deps.PBX.ListCallers(ctx, ctl.tokens.Current(), "")
	if err != nil {
		ctl.reportError("snapshot", err)
		return nil, false
	}

	ctl.mu.Lock()
	ctl.c.Extensions = exts
	id := ctl.c.ID

	changed := false
	for i, rec := range ctl.c.CallRecords {
		if rec.Status != CallStatusDialing {
			continue
		}
		for _, ext := range exts {
			if ext.DN != rec.DN {
				continue
			}
			for _, p := range ext.Participants {
				if p.Status == pbx.ParticipantStatusConnected {
					ctl.c.CallRecords[i].Status = CallStatusConnected
					changed = true
				}
			}
		}
	}
	records := append([]CallRecord(nil), ctl.c.CallRecords...)
	ctl.mu.Unlock()

	if err := ctl.deps.Registry.UpdateExtensions(ctx, id, exts); err != nil {
		ctl.log.Warn("persisting extension snapshot failed", "err", err)
	}
	if changed {
		if err := ctl.deps.Registry.UpdateCallRecords(ctx, id, records); err != nil {
			ctl.log.Warn("persisting call records failed", "err", err)
		}
	}
	return exts, true
}

// dialExtension runs the per-extension leg of the cycle: claim, record,
// settle, reconcile the displaced record, place the call.
func (ctl *Controller) dialExtension(ctx context.Context, ext pbx.Extension, extCount int) {
	if !ext.Idle() {
		return
	}
	if ctl.deps.Busy != nil && ctl.deps.Busy.IsBusy(ext.DN) {
		return
	}

	ctl.mu.Lock()
	id := ctl.c.ID
	// A just-placed call may not show on the snapshot yet. Until its
	// outcome is observed, the extension is off limits.
	if rec, ok := ctl.c.RecordFor(ext.DN); ok && rec.Status == CallStatusDialing &&
		ctl.clock().UTC().Sub(rec.DialTime) < 2*ctl.opts.CallSettleDelay {
		ctl.mu.Unlock()
		return
	}
	ctl.mu.Unlock()

	if ctl.deps.Queue.Count(ctx, id) < extCount*ctl.opts.ReplenishFactor {
		go ctl.replenish(ctx)
	}

	if ctl.deps.Slots != nil && !ctl.deps.Slots.Acquire(ctx, id) {
		return
	}

	entry, ok := ctl.deps.Queue.ClaimNext(ctx, id)
	if !ok {
		if ctl.deps.Slots != nil {
			ctl.deps.Slots.Release(ctx, id)
		}
		return
	}

	rec := CallRecord{
		CustomerID:   entry.CustomerID,
		MemberName:   entry.MemberName,
		Phone:        entry.Phone,
		Description:  entry.Description,
		Description2: entry.Description2,
		Status:       CallStatusDialing,
		CampaignID:   id,
		DN:           ext.DN,
		DialTime:     ctl.clock().UTC(),
	}

	ctl.mu.Lock()
	prev, hadPrev := ctl.c.SetRecord(rec)
	records := append([]CallRecord(nil), ctl.c.CallRecords...)
	ctl.mu.Unlock()

	if err := ctl.deps.Registry.UpdateCallRecords(ctx, id, records); err != nil {
		ctl.log.Warn("persisting call records failed", "dn", ext.DN, "err", err)
	}

	// Cover PBX-side call-setup latency before touching the previous
	// call's outcome.
	ctl.sleep(ctx, ctl.opts.CallSettleDelay)

	if hadPrev {
		ctl.reconcilePrevious(ctx, prev)
	}

	if err := ctl.deps.PBX.PlaceCall(ctx, ctl.tokens.Current(), ext.DN, ext.FirstDeviceID(), entry.Phone); err != nil {
		// The call never went out. Drop the record so the extension is not
		// blocked, then settle it as a failed dial; reconcilePrevious is
		// the single owner of a record's slot release.
		ctl.mu.Lock()
		ctl.c.RemoveRecord(ext.DN)
		records := append([]CallRecord(nil), ctl.c.CallRecords...)
		ctl.mu.Unlock()
		if perr := ctl.deps.Registry.UpdateCallRecords(ctx, id, records); perr != nil {
			ctl.log.Warn("persisting call records failed", "dn", ext.DN, "err", perr)
		}
		ctl.reconcilePrevious(ctx, rec)
		ctl.reportError("place-call", fmt.Errorf("dn %s -> %s: %w", ext.DN, entry.Phone, err))
		return
	}
	ctl.log.Info("call placed", "dn", ext.DN, "customer_id", entry.CustomerID, "phone", entry.Phone)
}

// reconcilePrevious reports the displaced record's outcome to the CRM and
// releases its dial-list entry. Branches on the last observed status.
func (ctl *Controller) reconcilePrevious(ctx context.Context, prev CallRecord) {
	switch prev.Status {
	case CallStatusDialing:
		// Never answered: failed-call code plus the CRM's retry counter.
		if err := ctl.deps.CRM.UpdateCallStatus(ctx, prev.CampaignID, prev.CustomerID, crm.ResultCodeFailed); err != nil {
			ctl.log.Warn("reporting failed call failed", "customer_id", prev.CustomerID, "err", err)
		}
		if err := ctl.deps.CRM.IncrementRetryCount(ctx, prev.CampaignID, prev.CustomerID); err != nil {
			ctl.log.Warn("incrementing retry count failed", "customer_id", prev.CustomerID, "err", err)
		}
	case CallStatusConnected:
		if err := ctl.deps.CRM.UpdateCallStatus(ctx, prev.CampaignID, prev.CustomerID, crm.ResultCodeSuccess); err != nil {
			ctl.log.Warn("reporting connected call failed", "customer_id", prev.CustomerID, "err", err)
		}
		// Let the CRM's status write settle before filing the visit.
		ctl.sleep(ctx, ctl.opts.VisitSettleDelay)
		visit := crm.VisitRecord{
			CampaignID: prev.CampaignID,
			CustomerID: prev.CustomerID,
			VisitType:  "outbound-call",
			Author:     "auto-dialer",
			VisitedAt:  prev.DialTime,
			// Free-text descriptions pass through opaquely.
			Note:   prev.Description,
			Result: prev.Description2,
		}
		if err := ctl.deps.CRM.WriteVisitRecord(ctx, visit); err != nil {
			ctl.log.Warn("writing visit record failed", "customer_id", prev.CustomerID, "err", err)
		}
	default:
		ctl.log.Warn("skipping reconciliation for unknown status", "customer_id", prev.CustomerID, "status", string(prev.Status))
	}

	ctl.deps.Queue.Remove(ctx, prev.CampaignID, prev.CustomerID)
	if ctl.deps.Slots != nil {
		// The previous call's slot frees up once its outcome is settled.
		ctl.deps.Slots.Release(ctx, prev.CampaignID)
	}
}

// replenish refills the dial queue from the CRM. Pending candidates first;
// when the well is dry, fall back to previously failed, retryable ones.
func (ctl *Controller) replenish(ctx context.Context) {
	if !ctl.replenishing.CompareAndSwap(false, true) {
		return
	}
	defer ctl.replenishing.Store(false)

	ctl.mu.Lock()
	id := ctl.c.ID
	callFlow := ctl.c.CallFlowID
	ctl.mu.Unlock()

	candidates, err := ctl.deps.CRM.ListDialCandidates(ctx, callFlow, id, crm.StatusFilterPending, ctl.opts.CandidateLimit)
	if err != nil {
		ctl.log.Warn("listing pending candidates failed", "err", err)
		return
	}
	if len(candidates) == 0 {
		candidates, err = ctl.deps.CRM.ListDialCandidates(ctx, callFlow, id, crm.StatusFilterRetryable, ctl.opts.CandidateLimit)
		if err != nil {
			ctl.log.Warn("listing retryable candidates failed", "err", err)
			return
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, cand := range candidates {
		cand := cand
		if !cand.Valid() {
			ctl.log.Debug("discarding invalid candidate", "customer_id", cand.CustomerID)
			continue
		}
		g.Go(func() error {
			// An entry already queued (possibly mid-claim) must not be
			// overwritten; that would reset its claim.
			if ctl.deps.Queue.Exists(gctx, id, cand.CustomerID) {
				return nil
			}
			if !ctl.deps.Queue.Add(gctx, dialqueue.Entry{
				CustomerID:   cand.CustomerID,
				MemberName:   cand.MemberName,
				Phone:        cand.Phone,
				Description:  cand.Description,
				Description2: cand.Description2,
				CampaignID:   id,
			}) {
				ctl.log.Warn("queueing candidate failed", "customer_id", cand.CustomerID)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Stop requests the two-phase stop: state flips immediately, teardown waits
// until no extension still shows an active participant.
func (ctl *Controller) Stop(ctx context.Context) error {
	ctl.mu.Lock()
	ctl.c.State = StateStopped
	id := ctl.c.ID
	ctl.mu.Unlock()

	if err := ctl.deps.Registry.UpdateState(ctx, id, StateStopped); err != nil {
		return fmt.Errorf("campaign %s: persist stop: %w", id, err)
	}
	ctl.Trigger()
	return nil
}

// runStopCheck is the stopped-state cycle path: refresh the snapshot, and
// once no participants remain, tear the campaign down.
func (ctl *Controller) runStopCheck(ctx context.Context) {
	if tok := ctl.tokens.Current(); tok != "" {
		if exts, err := ctl.deps.PBX.ListCallers(ctx, tok, ""); err == nil {
			ctl.mu.Lock()
			ctl.c.Extensions = exts
			id := ctl.c.ID
			ctl.mu.Unlock()
			if err := ctl.deps.Registry.UpdateExtensions(ctx, id, exts); err != nil {
				ctl.log.Warn("persisting extension snapshot failed", "err", err)
			}
		}
	}

	ctl.mu.Lock()
	active := ctl.c.HasActiveParticipants()
	ctl.mu.Unlock()
	if active {
		// Calls still in flight; a later snapshot ends the wait.
		return
	}

	// Short grace so the campaign row does not vanish mid-click.
	ctl.sleep(ctx, ctl.opts.StopTeardownDelay)
	ctl.teardown()
}

// teardown runs exactly once: stop timers, close the event session, remove
// the campaign from the registry, broadcast one final update.
func (ctl *Controller) teardown() {
	if !ctl.tornDown.CompareAndSwap(false, true) {
		return
	}

	ctl.mu.Lock()
	cancel := ctl.cancel
	conn := ctl.conn
	ctl.conn = nil
	id := ctl.c.ID
	ctl.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Disconnect()
	}

	ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := ctl.deps.Registry.Remove(ctx, id); err != nil {
		ctl.log.Warn("removing campaign from registry failed", "err", err)
	}

	ctl.broadcast(ctx)
	if ctl.deps.OnTeardown != nil {
		ctl.deps.OnTeardown(id)
	}
	ctl.log.Info("campaign torn down")
}

// broadcast pushes the current snapshot to observers, best-effort.
func (ctl *Controller) broadcast(ctx context.Context) {
	if ctl.deps.Notify == nil {
		return
	}
	ctl.mu.Lock()
	id := ctl.c.ID
	ctl.mu.Unlock()

	count := ctl.deps.Queue.Count(ctx, id)

	ctl.mu.Lock()
	snap := ctl.c.Snapshot(count)
	ctl.mu.Unlock()

	ctl.deps.Notify.CampaignUpdated(snap)
}

// reportError logs, persists the campaign's error field and notifies
// observers. It never aborts anything beyond the caller's own step.
func (ctl *Controller) reportError(name string, err error) {
	ctl.log.Error("dial cycle step failed", "step", name, "err", err)

	ctl.mu.Lock()
	ctl.c.Error = err.Error()
	id := ctl.c.ID
	ctl.mu.Unlock()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if perr := ctl.deps.Registry.UpdateError(ctx, id, err.Error()); perr != nil {
		ctl.log.Warn("persisting error field failed", "err", perr)
	}
	if ctl.deps.Notify != nil {
		ctl.deps.Notify.CampaignError(id, ErrorPayload{Name: name, Message: err.Error()})
	}
}
