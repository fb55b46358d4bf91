package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"veydha/internal/intake"
	"veydha/internal/models"
	"veydha/internal/observe"
	"veydha/internal/redis"
)

const (
	eventQueueLen = 16
	storeTimeout  = 5 * time.Second
)

var ErrNoConversation = errors.New("no intake conversation")

// SessionStore persists intake sessions. Implemented by the patient service.
type SessionStore interface {
	CreateIntakeSession(ctx context.Context, patientID int64) (*models.IntakeSession, error)
	AppendIntakeMessage(ctx context.Context, msg models.IntakeMessage) error
	AddIntakeSummary(ctx context.Context, sum models.IntakeSummary) (*models.IntakeSummary, error)
	UpdateIntakeStatus(ctx context.Context, sessionID int64, status models.IntakeStatus) error
}

// Config shapes every conversation the manager opens.
type Config struct {
	Script    *intake.Script
	Timings   intake.Timings
	Scheduler intake.Scheduler
	// CacheTTL bounds how long a conversation view stays in redis.
	CacheTTL time.Duration
}

// Conversation is one patient's live intake.
type Conversation struct {
	PatientID  int64
	Session    models.IntakeSession
	Controller *intake.Controller
	StartedAt  time.Time
}

// View is what transports render: state plus the full transcript.
type View struct {
	SessionID int64            `json:"session_id"`
	State     intake.Snapshot  `json:"state"`
	Messages  []intake.Message `json:"messages"`
	// Live is false when the view came from the redis cache of another
	// instance and cannot take input here.
	Live bool `json:"live"`
}

// View captures the conversation's current state and transcript.
func (c *Conversation) View() View {
	return View{
		SessionID: c.Session.ID,
		State:     c.Controller.State(),
		Messages:  c.Controller.Transcript().Snapshot(),
		Live:      true,
	}
}

// Manager owns one conversation per patient. Each conversation has a worker
// goroutine that writes transcript lines and controller events to the store
// in order.
type Manager struct {
	store   SessionStore
	cfg     Config
	cache   *stateRedis
	metrics *observe.Metrics
	logger  zerolog.Logger

	mu       sync.Mutex
	workers  map[int64]*workerState
	starting map[int64]chan struct{}
}

type workerState struct {
	conv     *Conversation
	events   chan conversationEvent
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (s *workerState) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

type conversationEvent struct {
	summary *models.IntakeSummary
	status  models.IntakeStatus
}

// NewManager builds a manager. rdb and metrics may be nil.
func NewManager(store SessionStore, cfg Config, rdb *redis.Client, metrics *observe.Metrics) *Manager {
	if cfg.Script == nil {
		cfg.Script = intake.DefaultScript()
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = intake.SystemScheduler
	}
	m := &Manager{
		store:    store,
		cfg:      cfg,
		metrics:  metrics,
		logger:   log.With().Str("component", "intake-worker").Logger(),
		workers:  make(map[int64]*workerState),
		starting: make(map[int64]chan struct{}),
	}
	if rdb != nil {
		m.cache = newStateCache(rdb, cfg.CacheTTL)
		m.cache.startListener(m.handleInvalidation)
	}
	return m
}

// Start returns the patient's live conversation, opening a new one when
// there is none or the previous one has terminated. The bool reports
// whether a new conversation was created.
func (m *Manager) Start(ctx context.Context, patientID int64) (*Conversation, bool, error) {
	if patientID <= 0 {
		return nil, false, errors.New("patient id is required")
	}

	for {
		m.mu.Lock()
		if state, ok := m.workers[patientID]; ok {
			if state.conv.Controller.State().Phase != intake.PhaseTerminated {
				m.mu.Unlock()
				return state.conv, false, nil
			}
			delete(m.workers, patientID)
			m.mu.Unlock()
			m.stopWorker(state)
			continue
		}
		pending, ok := m.starting[patientID]
		if !ok {
			// reserve the patient so the session insert runs unlocked
			pending = make(chan struct{})
			m.starting[patientID] = pending
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()
		select {
		case <-pending:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	state, err := m.open(ctx, patientID)

	m.mu.Lock()
	close(m.starting[patientID])
	delete(m.starting, patientID)
	if err == nil {
		m.workers[patientID] = state
	}
	m.mu.Unlock()
	if err != nil {
		return nil, false, err
	}

	m.logger.Info().Int64("patient_id", patientID).Int64("session_id", state.conv.Session.ID).Msg("intake started")
	return state.conv, true, nil
}

// open creates the stored session and starts its conversation and worker.
func (m *Manager) open(ctx context.Context, patientID int64) (*workerState, error) {
	session, err := m.store.CreateIntakeSession(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("open intake session: %w", err)
	}

	state := &workerState{
		events: make(chan conversationEvent, eventQueueLen),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	ctrl := intake.NewController(
		intake.WithScript(m.cfg.Script),
		intake.WithTimings(m.cfg.Timings),
		intake.WithScheduler(m.cfg.Scheduler),
		intake.WithHooks(m.hooksFor(state, session.ID)),
	)
	state.conv = &Conversation{
		PatientID:  patientID,
		Session:    *session,
		Controller: ctrl,
		StartedAt:  time.Now().UTC(),
	}

	sub, cancel := ctrl.Transcript().Subscribe()
	go m.runWorker(state, sub, cancel)
	m.metrics.ConversationStarted(ctx)

	if err := ctrl.Start(); err != nil {
		m.stopWorker(state)
		return nil, err
	}
	return state, nil
}

// Get returns the patient's conversation held by this instance.
func (m *Manager) Get(patientID int64) (*Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.workers[patientID]
	if !ok {
		return nil, false
	}
	return state.conv, true
}

// Lookup returns a live view when the conversation is held here, falling
// back to the redis copy written by whichever instance holds it.
func (m *Manager) Lookup(ctx context.Context, patientID int64) (View, bool) {
	if conv, ok := m.Get(patientID); ok {
		return conv.View(), true
	}
	return m.cache.loadView(ctx, patientID)
}

// SubmitText forwards typed input. The returned snapshot is valid even when
// the input was rejected.
func (m *Manager) SubmitText(patientID int64, text string) (intake.Snapshot, error) {
	conv, ok := m.Get(patientID)
	if !ok {
		return intake.Snapshot{}, ErrNoConversation
	}
	err := conv.Controller.SubmitText(text)
	return conv.Controller.State(), err
}

// SelectOption forwards a menu selection.
func (m *Manager) SelectOption(patientID int64, label string) (intake.Snapshot, error) {
	conv, ok := m.Get(patientID)
	if !ok {
		return intake.Snapshot{}, ErrNoConversation
	}
	err := conv.Controller.SelectOption(label)
	return conv.Controller.State(), err
}

// ResetPatient stops the patient's conversation on this instance, waiting
// for its pending writes.
func (m *Manager) ResetPatient(patientID int64) {
	m.mu.Lock()
	state, ok := m.workers[patientID]
	if ok {
		delete(m.workers, patientID)
	}
	m.mu.Unlock()
	if ok {
		m.stopWorker(state)
	}
}

// Release ends the patient's conversation everywhere: locally, in the
// redis cache and on other instances.
func (m *Manager) Release(ctx context.Context, patientID int64) {
	m.ResetPatient(patientID)
	m.cache.invalidate(ctx, patientID)
	m.cache.publishInvalidation(ctx, patientID)
}

// Shutdown stops every conversation.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	states := make([]*workerState, 0, len(m.workers))
	for id, s := range m.workers {
		states = append(states, s)
		delete(m.workers, id)
	}
	m.mu.Unlock()

	for _, s := range states {
		s.stop()
	}
	for _, s := range states {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.cache.close()
	return nil
}

func (m *Manager) stopWorker(state *workerState) {
	state.stop()
	<-state.done
}

func (m *Manager) handleInvalidation(msg invalidateMessage) {
	m.logger.Debug().Int64("patient_id", msg.PatientID).Msg("remote invalidation")
	m.ResetPatient(msg.PatientID)
}

func (m *Manager) hooksFor(state *workerState, sessionID int64) intake.Hooks {
	send := func(ev conversationEvent) {
		select {
		case state.events <- ev:
		case <-state.stopCh:
		}
	}
	return intake.Hooks{
		OnPhase: func(_, to intake.Phase) {
			if to == intake.PhaseTerminated {
				m.metrics.ConversationEnded(context.Background())
				send(conversationEvent{status: models.IntakeEnded})
			}
		},
		OnSummary: func(summary intake.Summary, records []intake.SymptomRecord) {
			m.metrics.RecordSummary(context.Background(), summary.Contains(intake.ViralInfectionClause))
			row := &models.IntakeSummary{SessionID: sessionID, Report: summary.Markdown()}
			if len(records) > 0 {
				r := records[len(records)-1]
				row.Symptom, row.Duration, row.Severity = r.Symptom, r.Duration, r.Severity
			}
			send(conversationEvent{summary: row})
		},
		OnRejected: func(err error) {
			m.metrics.RecordRejected(context.Background(), intake.RejectReason(err))
		},
	}
}

// runWorker persists the conversation until stopped, then flushes whatever
// the transcript holds that was not written yet and drops the cached view.
func (m *Manager) runWorker(state *workerState, sub <-chan intake.Message, cancel func()) {
	conv := state.conv
	logger := m.logger.With().Int64("patient_id", conv.PatientID).Int64("session_id", conv.Session.ID).Logger()
	written := make(map[string]bool)

	defer func() {
		cancel()
		conv.Controller.Close()
		m.resync(conv, written, logger)
		m.drainEvents(state, logger)
		m.cache.invalidate(context.Background(), conv.PatientID)
		m.metrics.ConversationReleased(context.Background())
		logger.Info().Msg("intake worker stopped")
		close(state.done)
	}()

	for {
		select {
		case <-state.stopCh:
			return
		case msg, ok := <-sub:
			if !ok {
				// fell behind: resubscribe first so nothing slips between
				// the snapshot and the new subscription
				sub, cancel = conv.Controller.Transcript().Subscribe()
				m.resync(conv, written, logger)
				continue
			}
			m.persist(conv, msg, written, logger)
		case ev := <-state.events:
			m.handleEvent(conv, ev, logger)
		}
	}
}

func (m *Manager) persist(conv *Conversation, msg intake.Message, written map[string]bool, logger zerolog.Logger) {
	if written[msg.ID] {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := m.store.AppendIntakeMessage(ctx, models.IntakeMessage{
		ID:        msg.ID,
		SessionID: conv.Session.ID,
		Speaker:   string(msg.Speaker),
		Content:   msg.Content,
		IsPrompt:  msg.IsPrompt,
		Options:   msg.Options,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		logger.Error().Err(err).Str("message_id", msg.ID).Msg("persist intake message")
		return
	}
	written[msg.ID] = true
	if m.cache != nil {
		m.cache.storeView(ctx, conv.PatientID, conv.View())
	}
}

func (m *Manager) resync(conv *Conversation, written map[string]bool, logger zerolog.Logger) {
	for msg := range conv.Controller.Transcript().All() {
		m.persist(conv, msg, written, logger)
	}
}

func (m *Manager) drainEvents(state *workerState, logger zerolog.Logger) {
	for {
		select {
		case ev := <-state.events:
			m.handleEvent(state.conv, ev, logger)
		default:
			return
		}
	}
}

func (m *Manager) handleEvent(conv *Conversation, ev conversationEvent, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if ev.summary != nil {
		if _, err := m.store.AddIntakeSummary(ctx, *ev.summary); err != nil {
			logger.Error().Err(err).Msg("persist intake summary")
		}
	}
	if ev.status != "" {
		if err := m.store.UpdateIntakeStatus(ctx, conv.Session.ID, ev.status); err != nil {
			logger.Error().Err(err).Str("status", string(ev.status)).Msg("update intake status")
		}
	}
	if m.cache != nil {
		m.cache.storeView(ctx, conv.PatientID, conv.View())
	}
}
