// Package fleet shares memory usage and optimization results between hosts
// over serf gossip.
package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/serf/serf"

	"memoptimizer/internal/eventbus"
	"memoptimizer/internal/logging"
	"memoptimizer/internal/memstats"
	"memoptimizer/internal/optimizer"
)

const (
	// ReportEventName is the serf user event carrying a finished report
	ReportEventName = "memoptimizer:report"
	// UsageQueryName is the serf query answered with the local snapshot
	UsageQueryName = "memoptimizer:usage"

	tagUsagePercent = "usage_percent"
	tagTotalBytes   = "total_bytes"
	tagUsedBytes    = "used_bytes"
	tagRole         = "role"
)

// Config configures the gossip agent
type Config struct {
	NodeID        string
	BindAddr      string
	BindPort      int
	AdvertiseAddr string
	Seeds         []string
	JoinTimeout   time.Duration
	// TagInterval rate-limits usage tag updates; every tag change is gossiped
	// to the whole fleet
	TagInterval time.Duration
}

// Status is the membership state of a peer
type Status string

const (
	StatusAlive  Status = "alive"
	StatusLeft   Status = "left"
	StatusFailed Status = "failed"
)

// ReportSummary is the gossiped form of a finished report
type ReportSummary struct {
	Node         string    `json:"node"`
	RunID        string    `json:"run_id"`
	Trigger      string    `json:"trigger"`
	Outcome      string    `json:"outcome"`
	SavingsBytes float64   `json:"savings_bytes"`
	Message      string    `json:"message"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Peer is one host in the fleet as seen from here
type Peer struct {
	Name         string         `json:"name"`
	Addr         string         `json:"addr"`
	Status       Status         `json:"status"`
	UsagePercent float64        `json:"usage_percent"`
	TotalBytes   float64        `json:"total_bytes"`
	UsedBytes    float64        `json:"used_bytes"`
	LastReport   *ReportSummary `json:"last_report,omitempty"`
	LastSeen     time.Time      `json:"last_seen"`
}

// Agent runs a serf member and maintains the peer table
type Agent struct {
	config  Config
	serf    *serf.Serf
	eventCh chan serf.Event
	now     func() time.Time

	mu       sync.RWMutex
	peers    map[string]*Peer
	local    memstats.UsageSnapshot
	hasLocal bool
	lastTags time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// New creates an agent; Start brings it up
func New(config Config) *Agent {
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = 30 * time.Second
	}
	if config.TagInterval <= 0 {
		config.TagInterval = 30 * time.Second
	}
	return &Agent{
		config:  config,
		eventCh: make(chan serf.Event, 256),
		now:     time.Now,
		peers:   make(map[string]*Peer),
		done:    make(chan struct{}),
	}
}

// Start creates the serf instance and begins processing events
func (a *Agent) Start(ctx context.Context) error {
	conf := serf.DefaultConfig()
	conf.Init()

	conf.NodeName = a.config.NodeID
	conf.MemberlistConfig.BindAddr = a.config.BindAddr
	conf.MemberlistConfig.BindPort = a.config.BindPort
	if a.config.AdvertiseAddr != "" {
		conf.MemberlistConfig.AdvertiseAddr = a.config.AdvertiseAddr
		conf.MemberlistConfig.AdvertisePort = a.config.BindPort
	}

	logOutput := &gossipLogWriter{}
	conf.LogOutput = logOutput
	conf.MemberlistConfig.LogOutput = logOutput

	conf.EventCh = a.eventCh
	conf.Tags = map[string]string{tagRole: "memoptimizer"}

	serfInstance, err := serf.Create(conf)
	if err != nil {
		return fmt.Errorf("failed to create serf instance: %w", err)
	}
	a.serf = serfInstance

	go a.processEvents(ctx)

	logging.Info(ctx, logging.ComponentFleet, logging.ActionStart, "Fleet agent started", logging.Fields{
		"bind_addr": a.config.BindAddr,
		"bind_port": a.config.BindPort,
	})
	return nil
}

// Join contacts the configured seeds until one answers or JoinTimeout passes
func (a *Agent) Join(ctx context.Context) error {
	if a.serf == nil {
		return fmt.Errorf("fleet agent not started")
	}
	if len(a.config.Seeds) == 0 {
		return nil
	}

	joinCtx, cancel := context.WithTimeout(ctx, a.config.JoinTimeout)
	defer cancel()

	var lastErr error
	for _, seed := range a.config.Seeds {
		if err := joinCtx.Err(); err != nil {
			return fmt.Errorf("join timeout: %w", err)
		}

		num, err := a.serf.Join([]string{seed}, false)
		if err != nil {
			lastErr = err
			logging.Warn(ctx, logging.ComponentFleet, logging.ActionJoin, "Seed did not answer", logging.Fields{
				"seed":  seed,
				"error": err.Error(),
			})
			continue
		}
		if num > 0 {
			logging.Info(ctx, logging.ComponentFleet, logging.ActionJoin, "Joined fleet", logging.Fields{
				"seed":    seed,
				"members": num,
			})
			return nil
		}
	}

	if lastErr != nil {
		return fmt.Errorf("failed to join any seed: %w", lastErr)
	}
	return fmt.Errorf("no seed responded")
}

// Stop leaves the fleet and shuts serf down
func (a *Agent) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		close(a.done)
		if a.serf == nil {
			return
		}
		if leaveErr := a.serf.Leave(); leaveErr != nil {
			logging.Warn(context.Background(), logging.ComponentFleet, logging.ActionLeave, "Leaving the fleet failed", logging.Fields{
				"error": leaveErr.Error(),
			})
		}
		if shutdownErr := a.serf.Shutdown(); shutdownErr != nil {
			err = fmt.Errorf("failed to shutdown serf: %w", shutdownErr)
		}
	})
	return err
}

// Peers returns the peer table sorted by name
func (a *Agent) Peers() []Peer {
	a.mu.RLock()
	defer a.mu.RUnlock()

	peers := make([]Peer, 0, len(a.peers))
	for _, p := range a.peers {
		peer := *p
		if p.LastReport != nil {
			report := *p.LastReport
			peer.LastReport = &report
		}
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })
	return peers
}

// QueryUsage asks every member for its current snapshot
func (a *Agent) QueryUsage(timeout time.Duration) (map[string]memstats.UsageSnapshot, error) {
	if a.serf == nil {
		return nil, fmt.Errorf("fleet agent not started")
	}

	result, err := a.serf.Query(UsageQueryName, nil, &serf.QueryParam{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("usage query failed: %w", err)
	}

	out := make(map[string]memstats.UsageSnapshot)
	for response := range result.ResponseCh() {
		var snapshot memstats.UsageSnapshot
		if err := json.Unmarshal(response.Payload, &snapshot); err != nil {
			logging.Warn(context.Background(), logging.ComponentFleet, logging.ActionGossip, "Discarding malformed usage response", logging.Fields{
				"from": response.From,
			})
			continue
		}
		out[response.From] = snapshot
	}
	return out, nil
}

// Subscribe registers the agent for local samples and reports
func (a *Agent) Subscribe(bus *eventbus.Bus) <-chan eventbus.Event {
	return bus.Subscribe(eventbus.EventUsageSampled, eventbus.EventOptimizationFinished)
}

// Run forwards local samples and reports to the fleet
func (a *Agent) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch {
			case ev.Usage != nil:
				a.recordLocalUsage(ctx, *ev.Usage)
			case ev.Report != nil:
				a.broadcastReport(ctx, *ev.Report, ev.Message)
			}
		}
	}
}

// recordLocalUsage stores the snapshot and gossips it as tags, at most once
// per TagInterval
func (a *Agent) recordLocalUsage(ctx context.Context, snapshot memstats.UsageSnapshot) {
	a.mu.Lock()
	a.local = snapshot
	a.hasLocal = true
	due := a.now().Sub(a.lastTags) >= a.config.TagInterval
	if due {
		a.lastTags = a.now()
	}
	a.mu.Unlock()

	if !due || a.serf == nil {
		return
	}
	if err := a.serf.SetTags(usageTags(snapshot)); err != nil {
		logging.Warn(ctx, logging.ComponentFleet, logging.ActionGossip, "Failed to gossip usage tags", logging.Fields{
			"error": err.Error(),
		})
	}
}

func (a *Agent) broadcastReport(ctx context.Context, report optimizer.Report, message string) {
	payload, err := json.Marshal(summarize(a.config.NodeID, report, message))
	if err != nil {
		logging.Error(ctx, logging.ComponentFleet, logging.ActionGossip, "Failed to encode report", err)
		return
	}
	if a.serf == nil {
		return
	}
	if err := a.serf.UserEvent(ReportEventName, payload, false); err != nil {
		logging.Warn(ctx, logging.ComponentFleet, logging.ActionGossip, "Failed to broadcast report", logging.Fields{
			"error": err.Error(),
		})
	}
}

func (a *Agent) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case event := <-a.eventCh:
			a.handleSerfEvent(event)
		}
	}
}

func (a *Agent) handleSerfEvent(event serf.Event) {
	switch e := event.(type) {
	case serf.MemberEvent:
		a.handleMemberEvent(e)
	case serf.UserEvent:
		a.handleUserEvent(e)
	case *serf.Query:
		a.handleQuery(e)
	}
}

func (a *Agent) handleMemberEvent(event serf.MemberEvent) {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, m := range event.Members {
		if event.EventType() == serf.EventMemberReap {
			delete(a.peers, m.Name)
			continue
		}

		peer, ok := a.peers[m.Name]
		if !ok {
			peer = &Peer{Name: m.Name}
			a.peers[m.Name] = peer
		}
		peer.Addr = fmt.Sprintf("%s:%d", m.Addr, m.Port)
		peer.LastSeen = now
		applyTags(peer, m.Tags)

		switch event.EventType() {
		case serf.EventMemberJoin, serf.EventMemberUpdate:
			peer.Status = StatusAlive
		case serf.EventMemberLeave:
			peer.Status = StatusLeft
		case serf.EventMemberFailed:
			peer.Status = StatusFailed
		}

		logging.Debug(context.Background(), logging.ComponentFleet, logging.ActionGossip, "Member event", logging.Fields{
			"member": m.Name,
			"event":  event.EventType().String(),
		})
	}
}

func (a *Agent) handleUserEvent(event serf.UserEvent) {
	if event.Name != ReportEventName {
		return
	}

	var summary ReportSummary
	if err := json.Unmarshal(event.Payload, &summary); err != nil {
		logging.Warn(context.Background(), logging.ComponentFleet, logging.ActionGossip, "Discarding malformed report event", logging.Fields{
			"error": err.Error(),
		})
		return
	}
	if summary.Node == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	peer, ok := a.peers[summary.Node]
	if !ok {
		peer = &Peer{Name: summary.Node, Status: StatusAlive}
		a.peers[summary.Node] = peer
	}
	peer.LastReport = &summary
	peer.LastSeen = a.now()
}

func (a *Agent) handleQuery(query *serf.Query) {
	if query.Name != UsageQueryName {
		return
	}
	payload, ok := a.usageResponse()
	if !ok {
		return
	}
	if err := query.Respond(payload); err != nil {
		logging.Debug(context.Background(), logging.ComponentFleet, logging.ActionGossip, "Usage query response dropped", logging.Fields{
			"error": err.Error(),
		})
	}
}

// usageResponse is the payload answered to UsageQueryName
func (a *Agent) usageResponse() ([]byte, bool) {
	a.mu.RLock()
	snapshot, ok := a.local, a.hasLocal
	a.mu.RUnlock()
	if !ok {
		return nil, false
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return nil, false
	}
	return payload, true
}

func summarize(node string, report optimizer.Report, message string) ReportSummary {
	return ReportSummary{
		Node:         node,
		RunID:        report.RunID,
		Trigger:      report.Trigger.String(),
		Outcome:      report.Outcome(),
		SavingsBytes: report.SavingsBytes,
		Message:      message,
		FinishedAt:   report.FinishedAt,
	}
}

func usageTags(s memstats.UsageSnapshot) map[string]string {
	return map[string]string{
		tagRole:         "memoptimizer",
		tagUsagePercent: strconv.FormatFloat(s.UsagePercent, 'f', 2, 64),
		tagTotalBytes:   strconv.FormatFloat(s.TotalBytes, 'f', 0, 64),
		tagUsedBytes:    strconv.FormatFloat(s.UsedBytes, 'f', 0, 64),
	}
}

func applyTags(peer *Peer, tags map[string]string) {
	if v, err := strconv.ParseFloat(tags[tagUsagePercent], 64); err == nil {
		peer.UsagePercent = v
	}
	if v, err := strconv.ParseFloat(tags[tagTotalBytes], 64); err == nil {
		peer.TotalBytes = v
	}
	if v, err := strconv.ParseFloat(tags[tagUsedBytes], 64); err == nil {
		peer.UsedBytes = v
	}
}

// gossipLogWriter routes serf and memberlist log lines into the structured log
type gossipLogWriter struct{}

func (gossipLogWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line != "" {
		logging.Debug(context.Background(), logging.ComponentFleet, logging.ActionGossip, line)
	}
	return len(p), nil
}
