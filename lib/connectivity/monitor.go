/*
Copyright 2024 EdgeGate, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package connectivity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/edgegate/edgegate/lib/events"
	"github.com/edgegate/edgegate/lib/utils"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// State is the shadow monitor's observable lifecycle state.
type State string

const (
	StateIdle              State = "IDLE"
	StateWaitingForNetwork State = "WAIT_NET"
	StateSubscribing       State = "SUBSCRIBING"
	StateFetching          State = "FETCHING"
	StateProcessing        State = "PROCESSING"
	StateReported          State = "IDLE_REPORTED"
)

// Shadow retry pacing.
const (
	retryFirstInterval = time.Second
	retryMaxInterval   = 30 * time.Second
	fetchMaxAttempts   = 3
	publishMaxAttempts = 5
)

// operationTimeout bounds one shadow pub/sub operation. The get
// response wait allows a broker round trip on top of it; past that
// the get is published again.
const (
	operationTimeout   = 5 * time.Second
	getResponseTimeout = operationTimeout + 5*time.Second
)

// errNetworkDown restarts the monitor's outer loop.
var errNetworkDown = trace.ConnectionProblem(nil, "network is down")

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// ShadowName names the connectivity shadow document.
	ShadowName string
	// PubSub is the transport carrying shadow traffic.
	PubSub PubSubClient
	// Provider resolves the host address set on each shadow change.
	Provider InfoProvider
	// Network reports the last observed transport state.
	Network NetworkStateProvider
	// Hosts receives the discovered address set. Optional.
	Hosts *HostCache
	// Bus receives ConnectivityChanged events. Optional.
	Bus *events.Bus
	// Clock paces the retry loops.
	Clock clockwork.Clock
	// Log is a component logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets the defaults.
func (c *MonitorConfig) CheckAndSetDefaults() error {
	if c.ShadowName == "" {
		return trace.BadParameter("missing shadow name")
	}
	if c.PubSub == nil {
		return trace.BadParameter("missing pub/sub client")
	}
	if c.Provider == nil {
		return trace.BadParameter("missing connectivity info provider")
	}
	if c.Network == nil {
		return trace.BadParameter("missing network state provider")
	}
	if c.Hosts == nil {
		c.Hosts = NewHostCache()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "shadow")
	}
	return nil
}

// Monitor converges the connectivity shadow's reported version to its
// desired version and raises ConnectivityChanged when the discovered
// host set changes. One goroutine owns the whole conversation; shadow
// deltas arriving while a version is being processed are coalesced to
// the latest.
type Monitor struct {
	cfg MonitorConfig

	mu      sync.Mutex
	state   State
	pending string
	hasWork bool

	notify      chan struct{}
	netCh       chan events.NetworkState
	getResponse chan struct{}

	lastProcessed string

	cancel     context.CancelFunc
	wg         sync.WaitGroup
	netHandler events.Handler
}

// NewMonitor creates a Monitor. Call Start to begin the conversation.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Monitor{
		cfg:         cfg,
		state:       StateIdle,
		notify:      make(chan struct{}, 1),
		netCh:       make(chan events.NetworkState, 1),
		getResponse: make(chan struct{}, 1),
	}, nil
}

// Topic helpers, bit-exact shadow topic names.

func (m *Monitor) topicGet() string {
	return fmt.Sprintf("$aws/things/%v/shadow/get", m.cfg.ShadowName)
}

func (m *Monitor) topicGetAccepted() string { return m.topicGet() + "/accepted" }
func (m *Monitor) topicGetRejected() string { return m.topicGet() + "/rejected" }

func (m *Monitor) topicUpdate() string {
	return fmt.Sprintf("$aws/things/%v/shadow/update", m.cfg.ShadowName)
}

func (m *Monitor) topicUpdateDelta() string { return m.topicUpdate() + "/delta" }

// Start subscribes to network transitions and launches the monitor
// goroutine.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	if m.cfg.Bus != nil {
		m.netHandler = events.HandlerFunc(func(ev events.Event) error {
			if change, ok := ev.(events.NetworkStateChanged); ok {
				m.observeNetwork(change.State)
			}
			return nil
		})
		m.cfg.Bus.Subscribe(events.KindNetworkStateChanged, m.netHandler)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
}

// Close stops the monitor and tears down its subscriptions.
func (m *Monitor) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if m.cfg.Bus != nil && m.netHandler != nil {
		m.cfg.Bus.Unsubscribe(events.KindNetworkStateChanged, m.netHandler)
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	for _, topic := range []string{m.topicGetAccepted(), m.topicGetRejected(), m.topicUpdateDelta()} {
		if err := m.cfg.PubSub.Unsubscribe(ctx, topic); err != nil {
			m.cfg.Log.WithError(err).Debugf("Failed to unsubscribe from %v.", topic)
		}
	}
	m.setState(StateIdle)
}

// CurrentState returns the monitor's lifecycle state.
func (m *Monitor) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// observeNetwork coalesces network transitions to the latest observed
// state.
func (m *Monitor) observeNetwork(state events.NetworkState) {
	for {
		select {
		case m.netCh <- state:
			return
		default:
			select {
			case <-m.netCh:
			default:
			}
		}
	}
}

// enqueueVersion records the latest desired version and wakes the
// monitor goroutine. Intermediate versions are dropped; only the
// newest one is processed.
func (m *Monitor) enqueueVersion(version string) {
	m.mu.Lock()
	m.pending = version
	m.hasWork = true
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Monitor) takePending() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasWork {
		return "", false
	}
	m.hasWork = false
	return m.pending, true
}

func (m *Monitor) run(ctx context.Context) {
	defer m.setState(StateIdle)
	for {
		m.setState(StateWaitingForNetwork)
		if err := m.waitForNetwork(ctx); err != nil {
			return
		}

		m.setState(StateSubscribing)
		if err := m.subscribeTopics(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		m.setState(StateFetching)
		if err := m.fetchShadow(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if err == errNetworkDown {
				m.cfg.Log.Info("Network is down, will refetch the shadow when it recovers.")
			}
			continue
		}

		if err := m.processLoop(ctx); err != errNetworkDown {
			return
		}
		m.cfg.Log.Info("Network is down, will refetch the shadow when it recovers.")
	}
}

func (m *Monitor) waitForNetwork(ctx context.Context) error {
	if m.cfg.Network.Current() == events.NetworkUp {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case state := <-m.netCh:
			if state == events.NetworkUp {
				return nil
			}
		}
	}
}

func (m *Monitor) subscribeTopics(ctx context.Context) error {
	subscriptions := []struct {
		topic   string
		handler MessageHandler
	}{
		{m.topicGetAccepted(), m.handleGetAccepted},
		{m.topicGetRejected(), m.handleGetRejected},
		{m.topicUpdateDelta(), m.handleDelta},
	}
	for _, sub := range subscriptions {
		sub := sub
		err := m.withBackoff(ctx, fmt.Sprintf("subscribe to %v", sub.topic), publishMaxAttempts, func() error {
			return m.cfg.PubSub.Subscribe(ctx, sub.topic, sub.handler)
		})
		if err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (m *Monitor) publishGet(ctx context.Context) error {
	err := m.withBackoff(ctx, "fetch shadow document", publishMaxAttempts, func() error {
		return m.cfg.PubSub.Publish(ctx, m.topicGet(), nil)
	})
	return trace.Wrap(err)
}

// fetchShadow publishes an empty get and waits for the accepted or
// rejected response, republishing the get when no response arrives in
// time.
func (m *Monitor) fetchShadow(ctx context.Context) error {
	for {
		select {
		case <-m.getResponse:
		default:
		}
		if err := m.publishGet(ctx); err != nil {
			return trace.Wrap(err)
		}
		timer := m.cfg.Clock.NewTimer(getResponseTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return trace.Wrap(ctx.Err())
		case state := <-m.netCh:
			timer.Stop()
			if state == events.NetworkDown {
				return errNetworkDown
			}
		case <-m.getResponse:
			timer.Stop()
			return nil
		case <-timer.Chan():
			m.cfg.Log.Debug("Timed out waiting for the shadow get response, publishing another get.")
		}
	}
}

func (m *Monitor) signalGetResponse() {
	select {
	case m.getResponse <- struct{}{}:
	default:
	}
}

// processLoop services coalesced shadow versions until the network
// goes down or the context is canceled.
func (m *Monitor) processLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case state := <-m.netCh:
			if state == events.NetworkDown {
				return errNetworkDown
			}
		case <-m.notify:
			for {
				version, ok := m.takePending()
				if !ok {
					break
				}
				m.processVersion(ctx, version)
			}
		}
	}
}

// processVersion converges on one desired version: refresh the host
// set, raise ConnectivityChanged if it changed, and report the version
// back. lastProcessed advances only after the report is published, so
// a failed pass is retried by the next trigger.
func (m *Monitor) processVersion(ctx context.Context, version string) {
	if version == m.lastProcessed {
		m.cfg.Log.Debugf("Shadow version %q already processed, dropping.", version)
		return
	}
	m.setState(StateProcessing)

	var hosts []string
	err := utils.Retry(ctx, utils.RetryConfig{
		First:       retryFirstInterval,
		Max:         retryMaxInterval,
		MaxAttempts: fetchMaxAttempts,
		Clock:       m.cfg.Clock,
	}, func() error {
		var err error
		hosts, err = m.cfg.Provider.HostAddresses(ctx)
		return trace.Wrap(err)
	})
	if err != nil {
		m.cfg.Log.WithError(err).Warnf("Failed to fetch connectivity info for shadow version %q.", version)
		return
	}

	if m.cfg.Hosts.Update(SourceDiscovered, hosts) {
		all := m.cfg.Hosts.All()
		m.cfg.Log.Infof("Connectivity info changed, host addresses are now %v.", all)
		if m.cfg.Bus != nil {
			m.cfg.Bus.Emit(events.ConnectivityChanged{HostAddresses: all})
		}
	}

	if err := m.publishReported(ctx, version); err != nil {
		m.cfg.Log.WithError(err).Warnf("Failed to report shadow version %q.", version)
		return
	}
	m.lastProcessed = version
	m.setState(StateReported)
}

func (m *Monitor) publishReported(ctx context.Context, version string) error {
	payload, err := json.Marshal(shadowDocument{
		State: shadowState{Reported: &versionHolder{Version: versionToken(version)}},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	err = m.withBackoff(ctx, "publish reported state", publishMaxAttempts, func() error {
		return m.cfg.PubSub.Publish(ctx, m.topicUpdate(), payload)
	})
	return trace.Wrap(err)
}

// withBackoff retries fn with a doubling delay between attempts,
// capped at retryMaxInterval.
func (m *Monitor) withBackoff(ctx context.Context, op string, attempts int, fn func() error) error {
	err := utils.Retry(ctx, utils.RetryConfig{
		First:       retryFirstInterval,
		Max:         retryMaxInterval,
		MaxAttempts: attempts,
		Clock:       m.cfg.Clock,
	}, func() error {
		err := fn()
		if err != nil {
			m.cfg.Log.WithError(err).Debugf("Failed to %v, will retry.", op)
		}
		return trace.Wrap(err)
	})
	return trace.Wrap(err)
}

// Shadow document shapes. The monitor reads and writes only the
// version tokens.

type shadowDocument struct {
	State shadowState `json:"state"`
}

type shadowState struct {
	Version  versionToken   `json:"version,omitempty"`
	Desired  *versionHolder `json:"desired,omitempty"`
	Reported *versionHolder `json:"reported,omitempty"`
	Delta    *versionHolder `json:"delta,omitempty"`
}

type versionHolder struct {
	Version versionToken `json:"version"`
}

// versionToken accepts both string and numeric version encodings.
type versionToken string

func (v *versionToken) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = versionToken(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return trace.Wrap(err, "parsing shadow version")
	}
	*v = versionToken(n.String())
	return nil
}

// desiredVersion extracts the version to converge to: the delta's
// version when present, the desired section's otherwise, and for delta
// messages the version carried directly in the state.
func desiredVersion(doc shadowDocument) (string, bool) {
	if doc.State.Delta != nil && doc.State.Delta.Version != "" {
		return string(doc.State.Delta.Version), true
	}
	if doc.State.Desired != nil && doc.State.Desired.Version != "" {
		return string(doc.State.Desired.Version), true
	}
	if doc.State.Version != "" {
		return string(doc.State.Version), true
	}
	return "", false
}

func (m *Monitor) handleGetAccepted(topic string, payload []byte) {
	m.signalGetResponse()
	var doc shadowDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		m.cfg.Log.WithError(err).Warn("Dropping malformed shadow document.")
		return
	}
	version, ok := desiredVersion(doc)
	if !ok {
		m.cfg.Log.Debug("Shadow document carries no version, dropping.")
		return
	}
	m.enqueueVersion(version)
}

func (m *Monitor) handleGetRejected(topic string, payload []byte) {
	// The next update/delta drives convergence.
	m.signalGetResponse()
	m.cfg.Log.Debugf("Shadow get rejected: %s.", payload)
}

func (m *Monitor) handleDelta(topic string, payload []byte) {
	m.handleGetAccepted(topic, payload)
}
