package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/lucafoss/smarther-mqtt-bridge/internal/infrastructure/mqtt"
	"github.com/lucafoss/smarther-mqtt-bridge/internal/smarther"
)

// Reconciler defaults.
const (
	// defaultCommandDeadline is how long a command may wait for cloud
	// confirmation before it is reported as failed.
	defaultCommandDeadline = 60 * time.Second

	// defaultRetryMaxAttempts bounds cloud delivery attempts per command.
	defaultRetryMaxAttempts = 4

	// defaultRetryInitialDelay and defaultRetryMaxDelay shape the
	// exponential backoff between attempts.
	defaultRetryInitialDelay = 2 * time.Second
	defaultRetryMaxDelay     = 30 * time.Second

	// workerQueueSize is the per-device event buffer. Events beyond this
	// are dropped with a warning rather than blocking the dispatcher.
	workerQueueSize = 64

	// expiryCheckInterval is how often an idle worker sweeps for
	// pending commands past their deadline.
	expiryCheckInterval = 15 * time.Second

	// defaultStopGracePeriod is how long Stop waits for in-flight cloud
	// deliveries before force-cancelling them.
	defaultStopGracePeriod = 5 * time.Second
)

// Publisher sends MQTT messages. Satisfied by *mqtt.Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// CommandSender is the cloud surface used for command delivery:
// SetStatus writes the commanded state, GetStatus re-reads it so an
// ambiguous failure can be resolved before a resend. Satisfied by
// *smarther.Client.
type CommandSender interface {
	GetStatus(ctx context.Context, plantID, moduleID string) (smarther.ModuleStatus, error)
	SetStatus(ctx context.Context, plantID, moduleID string, req smarther.SetStatusRequest) error
}

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options holds configuration for creating a Reconciler.
type Options struct {
	// Topics builds the MQTT topic tree. Required (zero value gives the
	// default base topic).
	Topics mqtt.Topics

	// Publisher sends state and status messages. Required.
	Publisher Publisher

	// Cloud delivers commands. Required.
	Cloud CommandSender

	// QoS for state and status publishes. Default 1.
	QoS byte

	// CommandDeadline, RetryMaxAttempts, RetryInitialDelay and
	// RetryMaxDelay tune command delivery. Zero values take defaults.
	CommandDeadline   time.Duration
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	// StopGracePeriod is how long Stop waits for in-flight deliveries
	// before force-cancelling them. Zero takes the default.
	StopGracePeriod time.Duration

	// Logger is optional structured logging.
	Logger Logger
}

// Reconciler owns one worker goroutine per known device and routes
// events to them. All exported methods are safe for concurrent use.
type Reconciler struct {
	topics    mqtt.Topics
	publisher Publisher
	cloud     CommandSender
	logger    Logger

	qos             byte
	commandDeadline time.Duration
	retryAttempts   int
	retryInitial    time.Duration
	retryMax        time.Duration

	workers  map[string]*deviceWorker
	workerMu sync.RWMutex

	ctx       context.Context
	ctxCancel context.CancelFunc
	stop      chan struct{}
	stopGrace time.Duration
	wg        sync.WaitGroup
	stopOnce  sync.Once

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a reconciler. Call SyncTopology to populate devices and
// Stop to shut down.
func New(opts Options) (*Reconciler, error) {
	if opts.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if opts.Cloud == nil {
		return nil, fmt.Errorf("cloud sender is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	qos := opts.QoS
	if qos == 0 {
		qos = 1
	}

	deadline := opts.CommandDeadline
	if deadline <= 0 {
		deadline = defaultCommandDeadline
	}
	attempts := opts.RetryMaxAttempts
	if attempts <= 0 {
		attempts = defaultRetryMaxAttempts
	}
	initial := opts.RetryInitialDelay
	if initial <= 0 {
		initial = defaultRetryInitialDelay
	}
	maxDelay := opts.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}
	stopGrace := opts.StopGracePeriod
	if stopGrace <= 0 {
		stopGrace = defaultStopGracePeriod
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Reconciler{
		topics:          opts.Topics,
		publisher:       opts.Publisher,
		cloud:           opts.Cloud,
		logger:          logger,
		qos:             qos,
		commandDeadline: deadline,
		retryAttempts:   attempts,
		retryInitial:    initial,
		retryMax:        maxDelay,
		workers:         make(map[string]*deviceWorker),
		ctx:             ctx,
		ctxCancel:       cancel,
		stop:            make(chan struct{}),
		stopGrace:       stopGrace,
		now:             time.Now,
	}, nil
}

// SyncTopology reconciles the worker set against the given device list:
// new devices get workers, devices no longer present are evicted.
func (r *Reconciler) SyncTopology(devices []Device) {
	present := make(map[string]bool, len(devices))

	r.workerMu.Lock()
	for _, d := range devices {
		present[d.ModuleID] = true
		if _, exists := r.workers[d.ModuleID]; exists {
			continue
		}
		w := newDeviceWorker(r, d)
		r.workers[d.ModuleID] = w
		r.wg.Add(1)
		go w.run()
		r.logger.Info("device added",
			"module_id", d.ModuleID,
			"plant_id", d.PlantID,
			"name", d.Name,
		)
	}

	var evicted []*deviceWorker
	for id, w := range r.workers {
		if !present[id] {
			delete(r.workers, id)
			evicted = append(evicted, w)
		}
	}
	r.workerMu.Unlock()

	for _, w := range evicted {
		w.dispatch(removeEvent{})
		r.logger.Info("device removed", "module_id", w.device.ModuleID)
	}
}

// Devices returns the current device list.
func (r *Reconciler) Devices() []Device {
	r.workerMu.RLock()
	defer r.workerMu.RUnlock()

	devices := make([]Device, 0, len(r.workers))
	for _, w := range r.workers {
		devices = append(devices, w.device)
	}
	return devices
}

// ApplySnapshot feeds a cloud state report for one module into its
// worker.
func (r *Reconciler) ApplySnapshot(moduleID string, snap Snapshot) error {
	w, err := r.worker(moduleID)
	if err != nil {
		return err
	}
	w.dispatch(snapshotEvent{snap: snap})
	return nil
}

// ApplyModuleStatus routes a webhook notification to the module named in
// its sender block. Entries without a sender are skipped: the bridge
// cannot attribute them.
func (r *Reconciler) ApplyModuleStatus(status smarther.ModuleStatus) {
	for _, st := range status.Chronothermostats {
		if st.Sender == nil || st.Sender.Plant == nil || st.Sender.Plant.Module.ID == "" {
			r.logger.Warn("status notification without sender details, skipping")
			continue
		}
		moduleID := st.Sender.Plant.Module.ID
		snap := SnapshotFromStatus(st, r.now())
		if err := r.ApplySnapshot(moduleID, snap); err != nil {
			r.logger.Warn("status notification for unknown module",
				"module_id", moduleID,
				"error", err,
			)
		}
	}
}

// HandleCommand feeds a broker command into the device's worker.
func (r *Reconciler) HandleCommand(moduleID, capability, payload string) error {
	w, err := r.worker(moduleID)
	if err != nil {
		return err
	}
	w.dispatch(commandEvent{capability: capability, payload: payload})
	return nil
}

// Stop terminates all workers. In-flight cloud deliveries get the grace
// period to finish; after that they are cancelled and their commands
// reported as failed on the status topic.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)

		drained := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(drained)
		}()

		select {
		case <-drained:
		case <-time.After(r.stopGrace):
			r.logger.Warn("shutdown grace period elapsed, cancelling in-flight deliveries")
		}

		r.ctxCancel()
		r.wg.Wait()
	})
}

func (r *Reconciler) worker(moduleID string) (*deviceWorker, error) {
	r.workerMu.RLock()
	w, ok := r.workers[moduleID]
	r.workerMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, moduleID)
	}
	return w, nil
}

// event is a unit of work on a device's serial queue.
type event interface{ isEvent() }

type snapshotEvent struct{ snap Snapshot }
type commandEvent struct{ capability, payload string }
type removeEvent struct{}

func (snapshotEvent) isEvent() {}
func (commandEvent) isEvent()  {}
func (removeEvent) isEvent()   {}

// deviceWorker serializes all state changes for one device.
type deviceWorker struct {
	r      *Reconciler
	device Device
	events chan event

	// Worker-goroutine state; no locking needed.
	state         DeviceState
	snapshot      Snapshot
	pending       map[string]*PendingCommand
	lastPublished map[string]string
}

func newDeviceWorker(r *Reconciler, device Device) *deviceWorker {
	return &deviceWorker{
		r:             r,
		device:        device,
		events:        make(chan event, workerQueueSize),
		state:         StateSyncing,
		pending:       make(map[string]*PendingCommand),
		lastPublished: make(map[string]string),
	}
}

// dispatch enqueues an event without blocking. A full queue drops the
// event; the next poll cycle re-converges state.
func (w *deviceWorker) dispatch(ev event) {
	select {
	case w.events <- ev:
	default:
		w.r.logger.Warn("device event queue full, dropping event",
			"module_id", w.device.ModuleID,
		)
	}
}

func (w *deviceWorker) run() {
	defer w.r.wg.Done()

	ticker := time.NewTicker(expiryCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.r.stop:
			return
		case <-w.r.ctx.Done():
			return
		case <-ticker.C:
			w.expirePending()
		case ev := <-w.events:
			switch e := ev.(type) {
			case snapshotEvent:
				w.handleSnapshot(e.snap)
			case commandEvent:
				w.handleCommand(e.capability, e.payload)
			case removeEvent:
				w.handleRemove()
				return
			}
			w.expirePending()
		}
	}
}

// handleSnapshot applies a cloud state report.
//
// Confirmation runs before the version gate: the optimistic local
// snapshot may carry a version ahead of the cloud's report time, and a
// confirming report must still resolve its command.
func (w *deviceWorker) handleSnapshot(snap Snapshot) {
	w.confirmPending(snap)

	if snap.Version <= w.snapshot.Version && w.state != StateSyncing {
		w.r.logger.Debug("discarding stale cloud state",
			"module_id", w.device.ModuleID,
			"version", snap.Version,
			"current_version", w.snapshot.Version,
		)
		w.setState()
		return
	}

	w.snapshot = snap
	w.publishChanged(snap.Values)
	w.setState()
}

// confirmPending resolves commands whose value the cloud now reports.
func (w *deviceWorker) confirmPending(snap Snapshot) {
	for capability, cmd := range w.pending {
		if !cmd.Sent {
			continue
		}
		if snap.Value(capability) == cmd.Value {
			delete(w.pending, capability)
			w.r.logger.Info("command confirmed",
				"module_id", w.device.ModuleID,
				"command_id", cmd.ID,
				"capability", capability,
			)
			w.publishStatus(statusPayload{
				State:      StateSynced.String(),
				CommandID:  cmd.ID,
				Capability: capability,
			})
		}
	}
}

// handleCommand validates, registers and delivers one broker command.
func (w *deviceWorker) handleCommand(capability, payload string) {
	now := w.r.now()

	req, value, err := BuildCommand(capability, payload, w.snapshot, now)
	if err != nil {
		w.r.logger.Warn("command rejected",
			"module_id", w.device.ModuleID,
			"capability", capability,
			"error", err,
		)
		w.publishStatus(statusPayload{
			State:      "error",
			Capability: capability,
			Error:      err.Error(),
		})
		return
	}

	cmd := &PendingCommand{
		ID:         uuid.NewString(),
		Capability: capability,
		Value:      value,
		Request:    req,
		Deadline:   now.Add(w.r.commandDeadline),
	}

	// Last write wins: a newer command for the same capability replaces
	// an unconfirmed one.
	if old, ok := w.pending[capability]; ok {
		w.r.logger.Info("command superseded",
			"module_id", w.device.ModuleID,
			"command_id", old.ID,
			"capability", capability,
		)
	}
	w.pending[capability] = cmd
	w.state = StatePending
	w.publishStatus(statusPayload{
		State:      StatePending.String(),
		CommandID:  cmd.ID,
		Capability: capability,
	})

	w.deliver(cmd)
}

// deliver sends the command to the cloud with bounded, backoff-spaced
// retries. Rejections fail immediately; transient and rate-limited
// failures retry until the attempt budget or the command deadline runs
// out. Before resending after a transient failure the device state is
// re-fetched: a timeout is ambiguous and the write may have landed.
func (w *deviceWorker) deliver(cmd *PendingCommand) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.r.retryInitial
	bo.MaxInterval = w.r.retryMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		cmd.Attempts++
		err := w.r.cloud.SetStatus(w.r.ctx, w.device.PlantID, w.device.ModuleID, cmd.Request)
		if err == nil {
			cmd.Sent = true
			w.applyOptimistic(cmd)
			return
		}
		if errors.Is(err, context.Canceled) {
			w.failCommand(cmd, fmt.Errorf("%w: aborted by shutdown", ErrCommandFailed))
			return
		}

		kind := smarther.KindOf(err)
		w.r.logger.Warn("command delivery failed",
			"module_id", w.device.ModuleID,
			"command_id", cmd.ID,
			"attempt", cmd.Attempts,
			"kind", kind.String(),
			"error", err,
		)

		if kind == smarther.KindRejected || kind == smarther.KindAuthExpired {
			w.failCommand(cmd, err)
			return
		}
		if cmd.Attempts >= w.r.retryAttempts {
			w.failCommand(cmd, fmt.Errorf("%w after %d attempts: %w", ErrCommandFailed, cmd.Attempts, err))
			return
		}

		delay := bo.NextBackOff()
		if ra := smarther.RetryAfterOf(err); ra > delay {
			delay = ra
		}
		if w.r.now().Add(delay).After(cmd.Deadline) {
			w.failCommand(cmd, fmt.Errorf("%w: deadline exceeded: %w", ErrCommandFailed, err))
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-w.r.stop:
			timer.Stop()
			w.failCommand(cmd, fmt.Errorf("%w: aborted by shutdown", ErrCommandFailed))
			return
		case <-w.r.ctx.Done():
			timer.Stop()
			w.failCommand(cmd, fmt.Errorf("%w: aborted by shutdown", ErrCommandFailed))
			return
		case <-timer.C:
		}

		// A transient failure is ambiguous; rate limiting is not (the
		// cloud refused the request). Only the former needs the check.
		if kind == smarther.KindTransient && w.confirmedByCloud(cmd) {
			return
		}
	}
}

// confirmedByCloud re-fetches device state and resolves the command if
// the cloud already reports the commanded value, so an ambiguously
// failed write is never applied twice.
func (w *deviceWorker) confirmedByCloud(cmd *PendingCommand) bool {
	status, err := w.r.cloud.GetStatus(w.r.ctx, w.device.PlantID, w.device.ModuleID)
	if err != nil {
		w.r.logger.Debug("state fetch before retry failed",
			"module_id", w.device.ModuleID,
			"command_id", cmd.ID,
			"error", err,
		)
		return false
	}
	if len(status.Chronothermostats) == 0 {
		return false
	}

	snap := SnapshotFromStatus(status.Chronothermostats[0], w.r.now())
	if snap.Value(cmd.Capability) != cmd.Value {
		return false
	}

	w.r.logger.Info("command had been applied despite delivery error",
		"module_id", w.device.ModuleID,
		"command_id", cmd.ID,
	)
	cmd.Sent = true
	w.handleSnapshot(snap)
	return true
}

// applyOptimistic publishes the commanded value immediately after the
// cloud accepted the write, so the broker reflects it before the next
// cloud report.
func (w *deviceWorker) applyOptimistic(cmd *PendingCommand) {
	now := w.r.now()

	values := make(map[string]string, len(w.snapshot.Values)+1)
	for k, v := range w.snapshot.Values {
		values[k] = v
	}
	values[cmd.Capability] = cmd.Value

	version := now.Unix()
	if version < w.snapshot.Version {
		version = w.snapshot.Version
	}

	w.snapshot = Snapshot{
		Values:  values,
		Version: version,
		Time:    now,
		Origin:  OriginLocal,
	}
	w.publishChanged(map[string]string{cmd.Capability: cmd.Value})
}

// failCommand drops a command and reports the failure on the status
// topic.
func (w *deviceWorker) failCommand(cmd *PendingCommand, err error) {
	if w.pending[cmd.Capability] == cmd {
		delete(w.pending, cmd.Capability)
	}
	w.publishStatus(statusPayload{
		State:      "error",
		CommandID:  cmd.ID,
		Capability: cmd.Capability,
		Error:      err.Error(),
	})
	w.setState()
}

// expirePending fails commands past their confirmation deadline.
func (w *deviceWorker) expirePending() {
	now := w.r.now()
	for _, cmd := range w.pending {
		if cmd.Expired(now) {
			w.failCommand(cmd, fmt.Errorf("%w: unconfirmed at deadline", ErrCommandFailed))
		}
	}
}

// handleRemove clears every retained topic the device owned and stops
// the worker.
func (w *deviceWorker) handleRemove() {
	for _, cmd := range w.pending {
		w.r.logger.Info("cancelling pending command for removed device",
			"module_id", w.device.ModuleID,
			"command_id", cmd.ID,
		)
	}
	w.pending = make(map[string]*PendingCommand)
	w.state = StateRemoved

	// Empty retained payloads clear the broker's retained store.
	for capability := range w.lastPublished {
		topic := w.r.topics.DeviceState(w.device.ModuleID, capability)
		if err := w.r.publisher.Publish(topic, nil, w.r.qos, true); err != nil {
			w.r.logger.Error("failed to clear retained state",
				"topic", topic,
				"error", err,
			)
		}
	}
	statusTopic := w.r.topics.DeviceStatus(w.device.ModuleID)
	if err := w.r.publisher.Publish(statusTopic, nil, w.r.qos, true); err != nil {
		w.r.logger.Error("failed to clear retained status",
			"topic", statusTopic,
			"error", err,
		)
	}
}

// publishChanged publishes the given values, skipping capabilities whose
// published value is already current.
func (w *deviceWorker) publishChanged(values map[string]string) {
	for capability, value := range values {
		if w.lastPublished[capability] == value {
			continue
		}
		topic := w.r.topics.DeviceState(w.device.ModuleID, capability)
		if err := w.r.publisher.Publish(topic, []byte(value), w.r.qos, true); err != nil {
			w.r.logger.Error("failed to publish state",
				"topic", topic,
				"error", err,
			)
			continue
		}
		w.lastPublished[capability] = value
	}
}

// setState derives the FSM state from the pending set and publishes it.
func (w *deviceWorker) setState() {
	if w.state == StateRemoved {
		return
	}
	next := StateSynced
	if len(w.pending) > 0 {
		next = StatePending
	}
	if w.state == next {
		return
	}
	w.state = next
	w.publishStatus(statusPayload{State: next.String()})
}

// statusPayload is the JSON body published on the per-device status
// topic.
type statusPayload struct {
	State      string `json:"state"`
	CommandID  string `json:"command_id,omitempty"`
	Capability string `json:"capability,omitempty"`
	Error      string `json:"error,omitempty"`
	Time       string `json:"time"`
}

func (w *deviceWorker) publishStatus(payload statusPayload) {
	payload.Time = w.r.now().UTC().Format(time.RFC3339)

	body, err := json.Marshal(payload)
	if err != nil {
		w.r.logger.Error("failed to encode status payload", "error", err)
		return
	}

	topic := w.r.topics.DeviceStatus(w.device.ModuleID)
	if err := w.r.publisher.Publish(topic, body, w.r.qos, true); err != nil {
		if !errors.Is(err, context.Canceled) {
			w.r.logger.Error("failed to publish status",
				"topic", topic,
				"error", err,
			)
		}
	}
}
