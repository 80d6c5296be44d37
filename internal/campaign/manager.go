package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// StartRequest is the inbound start-campaign command.
type StartRequest struct {
	CampaignID   string `json:"campaign_id" binding:"required"`
	CallFlowID   string `json:"call_flow_id" binding:"required"`
	ClientID     string `json:"client_id" binding:"required"`
	ClientSecret string `json:"client_secret" binding:"required"`
}

// Manager is the process-wide directory of live controllers. The durable
// side lives in Registry; Manager owns the in-memory half and keeps the two
// converged.
type Manager struct {
	mu          sync.Mutex
	controllers map[string]*Controller

	// starts serializes Start per campaign id: concurrent duplicate starts
	// must share one controller, never build two.
	starts singleflight.Group

	deps ControllerDeps
	opts ControllerOptions
	log  *slog.Logger
}

func NewManager(deps ControllerDeps, opts ControllerOptions, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		controllers: make(map[string]*Controller),
		deps:        deps,
		opts:        opts,
		log:         log,
	}
	// Controllers report their own teardown so the directory stays clean;
	// chain any caller-provided hook behind ours.
	outer := deps.OnTeardown
	m.deps.OnTeardown = func(id string) {
		m.mu.Lock()
		delete(m.controllers, id)
		m.mu.Unlock()
		if outer != nil {
			outer(id)
		}
	}
	return m
}

// Get returns the live controller for id, nil when none is running.
func (m *Manager) Get(id string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controllers[id]
}

// Start creates a fresh campaign or revives a persisted one. Reviving keeps
// the stored token (the controller refreshes it as needed) but adopts the
// credentials from the request when provided.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Controller, error) {
	if req.CampaignID == "" {
		return nil, errors.New("campaign: id is required")
	}

	v, err, _ := m.starts.Do(req.CampaignID, func() (any, error) {
		return m.start(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Controller), nil
}

func (m *Manager) start(ctx context.Context, req StartRequest) (*Controller, error) {
	m.mu.Lock()
	if existing, ok := m.controllers[req.CampaignID]; ok {
		m.mu.Unlock()
		m.log.Info("start requested for already-running campaign", "campaign_id", req.CampaignID)
		return existing, nil
	}
	m.mu.Unlock()

	c, err := m.deps.Registry.Get(ctx, req.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign %s: load: %w", req.CampaignID, err)
	}
	if c == nil {
		c = &Campaign{ID: req.CampaignID}
	}
	if req.CallFlowID != "" {
		c.CallFlowID = req.CallFlowID
	}
	if req.ClientID != "" {
		c.ClientID = req.ClientID
		c.ClientSecret = req.ClientSecret
	}
	c.State = StateActive

	ctl := NewController(c, m.deps, m.opts)
	if err := ctl.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.controllers[req.CampaignID] = ctl
	m.mu.Unlock()
	return ctl, nil
}

// Stop transitions a campaign into the stop protocol. When no controller is
// live and the persisted snapshot shows no active participants the campaign
// is removed outright; otherwise its state is flipped so a later revival
// stays down.
func (m *Manager) Stop(ctx context.Context, id string) error {
	if ctl := m.Get(id); ctl != nil {
		return ctl.Stop(ctx)
	}

	c, err := m.deps.Registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrNotFound
	}

	// No live controller means no stop-reconciliation loop will ever run.
	// When the last snapshot shows nothing to drain, destroy directly.
	if !c.HasActiveParticipants() {
		return m.deps.Registry.Remove(ctx, id)
	}
	return m.deps.Registry.UpdateState(ctx, id, StateStopped)
}

// ReviveAll restarts every persisted active campaign, typically at process
// boot. Individual failures are logged; one broken campaign must not keep
// the rest down.
func (m *Manager) ReviveAll(ctx context.Context) {
	all, err := m.deps.Registry.ListAll(ctx)
	if err != nil {
		m.log.Error("listing persisted campaigns failed", "err", err)
		return
	}
	for _, c := range all {
		if c.State != StateActive {
			continue
		}
		if _, err := m.Start(ctx, StartRequest{
			CampaignID:   c.ID,
			CallFlowID:   c.CallFlowID,
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
		}); err != nil {
			m.log.Error("reviving campaign failed", "campaign_id", c.ID, "err", err)
		}
	}
}

// Shutdown disconnects every live controller without removing persisted
// state, so campaigns revive on the next boot.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ctls := make([]*Controller, 0, len(m.controllers))
	for _, ctl := range m.controllers {
		ctls = append(ctls, ctl)
	}
	m.controllers = make(map[string]*Controller)
	m.mu.Unlock()

	for _, ctl := range ctls {
		ctl.mu.Lock()
		cancel := ctl.cancel
		conn := ctl.conn
		ctl.conn = nil
		ctl.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if conn != nil {
			conn.Disconnect()
		}
	}
}

// Snapshots returns the broadcast view of every persisted campaign.
func (m *Manager) Snapshots(ctx context.Context) []Snapshot {
	all, err := m.deps.Registry.ListAll(ctx)
	if err != nil {
		m.log.Error("listing campaigns failed", "err", err)
		return nil
	}
	out := make([]Snapshot, 0, len(all))
	for _, c := range all {
		out = append(out, c.Snapshot(m.deps.Queue.Count(ctx, c.ID)))
	}
	return out
}

// Stats surfaces the registry's aggregate view.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	return m.deps.Registry.Stats(ctx)
}
