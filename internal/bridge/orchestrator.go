package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lucafoss/smarther-mqtt-bridge/internal/infrastructure/mqtt"
	"github.com/lucafoss/smarther-mqtt-bridge/internal/smarther"
)

// Orchestrator defaults.
const (
	// defaultPollInterval is the cadence of full topology and status
	// refreshes. The poll is the authoritative state source; webhooks
	// only lower latency.
	defaultPollInterval = 90 * time.Second

	// defaultOfflineQueueSize bounds commands held while the cloud is
	// unreachable. The oldest command is dropped on overflow.
	defaultOfflineQueueSize = 64
)

// CloudAPI is the read side of the cloud client used by the poller.
type CloudAPI interface {
	ListPlants(ctx context.Context) ([]smarther.Plant, error)
	GetTopology(ctx context.Context, plantID string) (smarther.PlantDetail, error)
	GetStatus(ctx context.Context, plantID, moduleID string) (smarther.ModuleStatus, error)
}

// Broker is the MQTT surface the orchestrator needs. Satisfied by
// *mqtt.Client.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// OrchestratorOptions holds configuration for creating an Orchestrator.
type OrchestratorOptions struct {
	// Topics builds the MQTT topic tree.
	Topics mqtt.Topics

	// Broker is the connected MQTT client. Required.
	Broker Broker

	// Cloud serves topology and status reads. Required.
	Cloud CloudAPI

	// Reconciler routes state and commands. Required.
	Reconciler *Reconciler

	// Repository caches topology across runs. Required.
	Repository TopologyRepository

	// Push delivers webhook notifications. May be nil when the webhook
	// server is disabled.
	Push <-chan smarther.ModuleStatus

	// Fatal delivers the token watchdog's terminal error. May be nil.
	Fatal <-chan error

	// QoS for command subscriptions. Default 1.
	QoS byte

	// PollInterval and OfflineQueueSize tune the poller and the offline
	// command queue. Zero values take defaults.
	PollInterval     time.Duration
	OfflineQueueSize int

	// Logger is optional structured logging.
	Logger Logger
}

// queuedCommand is a broker command held while the cloud is unreachable.
type queuedCommand struct {
	moduleID   string
	capability string
	payload    string
}

// Orchestrator wires the broker, the cloud, and the reconciler together
// and owns the poll loop.
type Orchestrator struct {
	topics     mqtt.Topics
	broker     Broker
	cloud      CloudAPI
	reconciler *Reconciler
	repo       TopologyRepository
	push       <-chan smarther.ModuleStatus
	fatal      <-chan error
	logger     Logger

	qos          byte
	pollInterval time.Duration
	queueSize    int

	// cloudHealthy gates command forwarding together with the broker's
	// own connectivity state; guarded by queueMu with the queue itself.
	cloudHealthy bool
	queue        []queuedCommand
	queueMu      sync.Mutex
}

// NewOrchestrator creates an orchestrator. Call Run to start it.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if opts.Cloud == nil {
		return nil, fmt.Errorf("cloud client is required")
	}
	if opts.Reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	if opts.Repository == nil {
		return nil, fmt.Errorf("topology repository is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	qos := opts.QoS
	if qos == 0 {
		qos = 1
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	queueSize := opts.OfflineQueueSize
	if queueSize <= 0 {
		queueSize = defaultOfflineQueueSize
	}

	return &Orchestrator{
		topics:       opts.Topics,
		broker:       opts.Broker,
		cloud:        opts.Cloud,
		reconciler:   opts.Reconciler,
		repo:         opts.Repository,
		push:         opts.Push,
		fatal:        opts.Fatal,
		logger:       logger,
		qos:          qos,
		pollInterval: pollInterval,
		queueSize:    queueSize,
		cloudHealthy: true,
	}, nil
}

// Run blocks until ctx is cancelled (graceful, returns nil) or a fatal
// credential error arrives (returns the error after publishing a fatal
// bridge status).
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.bootstrap(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("shutting down, draining in-flight commands")
			o.reconciler.Stop()
			return nil

		case err := <-o.fatal:
			o.logger.Error("fatal credential failure, halting bridge", "error", err)
			o.publishFatalStatus(err)
			o.reconciler.Stop()
			return err

		case status := <-o.push:
			o.reconciler.ApplyModuleStatus(status)

		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// bootstrap loads the topology (cloud first, cache as fallback), starts
// the device workers, subscribes to command topics and primes device
// state.
func (o *Orchestrator) bootstrap(ctx context.Context) error {
	plants, err := o.refreshTopology(ctx)
	if err != nil {
		o.logger.Warn("cloud topology fetch failed, using cached topology", "error", err)
		o.setCloudHealthy(false)

		plants, err = o.repo.Load(ctx)
		if err != nil {
			return fmt.Errorf("loading cached topology: %w", err)
		}
		if len(plants) == 0 {
			return fmt.Errorf("no topology available: cloud unreachable and cache empty")
		}
	}

	o.reconciler.SyncTopology(DevicesFromTopology(plants))

	if err := o.broker.Subscribe(o.topics.AllDeviceCommands(), o.qos, o.handleCommandMessage); err != nil {
		return fmt.Errorf("subscribing to command topics: %w", err)
	}

	o.pollStatuses(ctx)
	return nil
}

// handleCommandMessage is the broker callback for all command topics.
func (o *Orchestrator) handleCommandMessage(topic string, payload []byte) error {
	moduleID, capability, err := o.topics.ParseCommandTopic(topic)
	if err != nil {
		return fmt.Errorf("unparseable command topic %q: %w", topic, err)
	}

	// A disconnected broker pauses cloud-bound work the same way an
	// unreachable cloud does: the device worker could deliver, but every
	// resulting state publish would be lost.
	if !o.isCloudHealthy() || !o.broker.IsConnected() {
		o.enqueue(queuedCommand{
			moduleID:   moduleID,
			capability: capability,
			payload:    string(payload),
		})
		return nil
	}

	return o.reconciler.HandleCommand(moduleID, capability, string(payload))
}

// enqueue holds a command for replay once the cloud and broker are both
// reachable again, dropping the oldest entry (with an error status) when
// the queue is full.
func (o *Orchestrator) enqueue(cmd queuedCommand) {
	o.queueMu.Lock()
	var dropped *queuedCommand
	if len(o.queue) >= o.queueSize {
		d := o.queue[0]
		dropped = &d
		o.queue = o.queue[1:]
	}
	o.queue = append(o.queue, cmd)
	o.queueMu.Unlock()

	if dropped != nil {
		o.logger.Warn("offline queue full, dropping oldest command",
			"module_id", dropped.moduleID,
			"capability", dropped.capability,
		)
		o.publishQueueDropStatus(dropped.moduleID, dropped.capability)
	}
	o.logger.Info("cloud or broker unreachable, command queued",
		"module_id", cmd.moduleID,
		"capability", cmd.capability,
	)
}

// flushQueue replays queued commands once connectivity is restored.
func (o *Orchestrator) flushQueue() {
	o.queueMu.Lock()
	queued := o.queue
	o.queue = nil
	o.queueMu.Unlock()

	for _, cmd := range queued {
		if err := o.reconciler.HandleCommand(cmd.moduleID, cmd.capability, cmd.payload); err != nil {
			o.logger.Warn("dropping queued command",
				"module_id", cmd.moduleID,
				"capability", cmd.capability,
				"error", err,
			)
		}
	}
	if len(queued) > 0 {
		o.logger.Info("flushed offline command queue", "count", len(queued))
	}
}

// poll refreshes topology and device statuses and tracks cloud health.
func (o *Orchestrator) poll(ctx context.Context) {
	plants, err := o.refreshTopology(ctx)
	if err != nil {
		o.logger.Warn("topology poll failed", "error", err)
		o.setCloudHealthy(false)
		return
	}

	wasHealthy := o.isCloudHealthy()
	o.setCloudHealthy(true)

	o.reconciler.SyncTopology(DevicesFromTopology(plants))
	o.pollStatuses(ctx)

	if !wasHealthy {
		o.logger.Info("cloud reachable again")
	}

	// Flush whenever both legs are up; a broker reconnect has no
	// callback of its own, so the poll tick doubles as its check.
	if o.broker.IsConnected() {
		o.flushQueue()
	}
}

// refreshTopology fetches the full topology from the cloud and persists
// it to the cache.
func (o *Orchestrator) refreshTopology(ctx context.Context) ([]smarther.PlantDetail, error) {
	plantList, err := o.cloud.ListPlants(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing plants: %w", err)
	}

	plants := make([]smarther.PlantDetail, 0, len(plantList))
	for _, plant := range plantList {
		detail, err := o.cloud.GetTopology(ctx, plant.ID)
		if err != nil {
			return nil, fmt.Errorf("fetching topology for plant %s: %w", plant.ID, err)
		}
		if detail.Name == "" {
			detail.Name = plant.Name
		}
		plants = append(plants, detail)
	}

	if err := o.repo.Save(ctx, plants); err != nil {
		// Cache staleness is survivable; the next save retries.
		o.logger.Error("failed to persist topology cache", "error", err)
	}
	return plants, nil
}

// pollStatuses fetches the current status of every known device and
// feeds it to the reconciler.
func (o *Orchestrator) pollStatuses(ctx context.Context) {
	for _, device := range o.reconciler.Devices() {
		status, err := o.cloud.GetStatus(ctx, device.PlantID, device.ModuleID)
		if err != nil {
			o.logger.Warn("status poll failed",
				"module_id", device.ModuleID,
				"error", err,
			)
			continue
		}

		for _, st := range status.Chronothermostats {
			snap := SnapshotFromStatus(st, time.Now())
			if err := o.reconciler.ApplySnapshot(device.ModuleID, snap); err != nil {
				o.logger.Warn("failed to apply polled status",
					"module_id", device.ModuleID,
					"error", err,
				)
			}
		}
	}
}

func (o *Orchestrator) isCloudHealthy() bool {
	o.queueMu.Lock()
	defer o.queueMu.Unlock()
	return o.cloudHealthy
}

func (o *Orchestrator) setCloudHealthy(healthy bool) {
	o.queueMu.Lock()
	o.cloudHealthy = healthy
	o.queueMu.Unlock()
}

// publishFatalStatus marks the bridge as terminally down on the retained
// availability topic before exit.
func (o *Orchestrator) publishFatalStatus(cause error) {
	payload := fmt.Sprintf(
		`{"status":"fatal","error":%q,"timestamp":"%s"}`,
		cause.Error(),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err := o.broker.Publish(o.topics.BridgeStatus(), []byte(payload), o.qos, true); err != nil {
		o.logger.Error("failed to publish fatal status", "error", err)
	}
}

// publishQueueDropStatus reports a command lost to queue overflow on the
// device's status topic.
func (o *Orchestrator) publishQueueDropStatus(moduleID, capability string) {
	payload := fmt.Sprintf(
		`{"state":"error","capability":%q,"error":%q,"time":"%s"}`,
		capability,
		ErrQueueFull.Error(),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err := o.broker.Publish(o.topics.DeviceStatus(moduleID), []byte(payload), o.qos, true); err != nil {
		o.logger.Error("failed to publish queue drop status", "error", err)
	}
}
