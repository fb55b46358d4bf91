package intake

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Phase is the controller's position in the interview.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseCollecting   Phase = "collecting"
	PhaseSummarizing  Phase = "summarizing"
	PhaseMenu         Phase = "menu"
	PhaseFreeform     Phase = "freeform"
	PhaseTerminated   Phase = "terminated"
)

// Menu labels offered once the summary has been shown.
const (
	OptionNewConsultation = "New Consultation"
	OptionAskQuestion     = "Ask Question"
	OptionEndSession      = "End Session"
)

// MenuOptions is the ordered post-summary menu.
var MenuOptions = []string{OptionNewConsultation, OptionAskQuestion, OptionEndSession}

// Fixed bot lines outside the script.
const (
	AcknowledgmentText = "Thank you for providing all the information. Let me analyze your symptoms and prepare a summary for you."
	MenuPromptText     = "Would you like to start a new consultation or do you have any other questions?"
	ClosingText        = "Thank you for using our symptom checker. Take care and don't hesitate to seek professional medical help if needed. Stay healthy!"
	HelpOfferText      = "I'm here to help! Please type your question and I'll do my best to assist you."
)

var (
	// ErrInputRejected is returned for every input the controller refuses.
	// Rejected input never touches the transcript or the state.
	ErrInputRejected = errors.New("intake: input rejected")

	ErrNotStarted       = fmt.Errorf("%w: conversation not started", ErrInputRejected)
	ErrAwaitingReply    = fmt.Errorf("%w: awaiting reply", ErrInputRejected)
	ErrEmptyInput       = fmt.Errorf("%w: empty input", ErrInputRejected)
	ErrTerminated       = fmt.Errorf("%w: conversation terminated", ErrInputRejected)
	ErrSummaryPending   = fmt.Errorf("%w: summary pending", ErrInputRejected)
	ErrOptionExpected   = fmt.Errorf("%w: option expected", ErrInputRejected)
	ErrUnexpectedOption = fmt.Errorf("%w: no options offered", ErrInputRejected)

	ErrAlreadyStarted = errors.New("intake: conversation already started")
)

// RejectReason maps a rejection to a short machine-readable code.
func RejectReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotStarted):
		return "not_started"
	case errors.Is(err, ErrAwaitingReply):
		return "awaiting_reply"
	case errors.Is(err, ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, ErrTerminated):
		return "terminated"
	case errors.Is(err, ErrSummaryPending):
		return "summary_pending"
	case errors.Is(err, ErrOptionExpected):
		return "option_expected"
	case errors.Is(err, ErrUnexpectedOption):
		return "unexpected_option"
	default:
		return "rejected"
	}
}

// Timings holds the simulated reply latencies.
type Timings struct {
	Reply   time.Duration
	Summary time.Duration
	Menu    time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		Reply:   1500 * time.Millisecond,
		Summary: 2000 * time.Millisecond,
		Menu:    1000 * time.Millisecond,
	}
}

// Hooks observe controller events. They run after the controller lock is
// released, on whichever goroutine caused the event.
type Hooks struct {
	OnPhase    func(from, to Phase)
	OnSummary  func(summary Summary, records []SymptomRecord)
	OnRejected func(err error)
}

// AffordanceKind tells the render boundary which input to offer.
type AffordanceKind string

const (
	AffordanceNone    AffordanceKind = "none"
	AffordanceText    AffordanceKind = "text"
	AffordanceOptions AffordanceKind = "options"
)

// Affordance describes the input the controller will currently accept.
// In Freeform the menu stays selectable next to the text box.
type Affordance struct {
	Kind    AffordanceKind `json:"kind"`
	Options []string       `json:"options,omitempty"`
}

// Snapshot is a copy of the conversation state.
type Snapshot struct {
	Phase         Phase           `json:"phase"`
	CurrentStep   int             `json:"current_step"`
	StepDisplay   int             `json:"step_display"`
	TotalSteps    int             `json:"total_steps"`
	Records       []SymptomRecord `json:"records"`
	AwaitingReply bool            `json:"awaiting_reply"`
	SummaryShown  bool            `json:"summary_shown"`
	Input         Affordance      `json:"input"`
}

type Option func(*Controller)

func WithScheduler(s Scheduler) Option {
	return func(c *Controller) {
		if s != nil {
			c.sched = s
		}
	}
}

func WithTimings(t Timings) Option {
	return func(c *Controller) { c.timings = t }
}

func WithScript(s *Script) Option {
	return func(c *Controller) {
		if s != nil {
			c.script = s
		}
	}
}

func WithHooks(h Hooks) Option {
	return func(c *Controller) { c.hooks = h }
}

// Controller owns one conversation. All state changes go through its
// methods; timer callbacks take the same lock as user input.
type Controller struct {
	mu sync.Mutex

	script  *Script
	timings Timings
	sched   Scheduler
	hooks   Hooks

	transcript    *Transcript
	phase         Phase
	step          int
	records       []SymptomRecord
	awaitingReply bool
	summaryShown  bool
	menu          []string

	pending Timer
	gen     uint64
	closed  bool
}

// NewController returns a controller in the Initializing phase.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		script:     DefaultScript(),
		timings:    DefaultTimings(),
		sched:      SystemScheduler,
		transcript: NewTranscript(),
		phase:      PhaseInitializing,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// events collects hook invocations while the lock is held.
type events struct {
	phases   [][2]Phase
	summary  *Summary
	records  []SymptomRecord
	rejected error
}

// Start emits the greeting and the first prompt.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.phase != PhaseInitializing || c.closed {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	ev := &events{}
	if g := c.script.Greeting(); g != "" {
		c.appendBotLocked(g)
	}
	c.step = 0
	c.appendPromptLocked(c.script.Prompt(0))
	c.setPhaseLocked(PhaseCollecting, ev)
	c.mu.Unlock()

	c.fire(ev)
	return nil
}

// SubmitText handles a typed answer.
func (c *Controller) SubmitText(text string) error {
	c.mu.Lock()
	ev := &events{}
	err := c.submitTextLocked(text, ev)
	ev.rejected = err
	c.mu.Unlock()

	c.fire(ev)
	return err
}

func (c *Controller) submitTextLocked(text string, ev *events) error {
	if err := c.checkInputLocked(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}

	switch c.phase {
	case PhaseSummarizing:
		return ErrSummaryPending
	case PhaseMenu:
		return ErrOptionExpected
	case PhaseFreeform:
		c.appendUserLocked(text)
		c.awaitingReply = true
		c.scheduleLocked(c.timings.Menu, func(ev *events) {
			c.awaitingReply = false
			c.appendPromptLocked(HelpOfferText)
		})
		return nil
	}

	step := c.step
	c.appendUserLocked(text)
	c.records = ApplyAnswer(c.records, step, text)
	c.awaitingReply = true
	c.scheduleLocked(c.timings.Reply, func(ev *events) { c.replyLocked(step, ev) })
	return nil
}

// SelectOption handles a menu click. The label is echoed into the transcript.
func (c *Controller) SelectOption(label string) error {
	c.mu.Lock()
	ev := &events{}
	err := c.selectOptionLocked(label, ev)
	ev.rejected = err
	c.mu.Unlock()

	c.fire(ev)
	return err
}

func (c *Controller) selectOptionLocked(label string, ev *events) error {
	if err := c.checkInputLocked(); err != nil {
		return err
	}
	if c.phase != PhaseMenu && c.phase != PhaseFreeform {
		return ErrUnexpectedOption
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return ErrEmptyInput
	}

	c.appendUserLocked(label)
	c.awaitingReply = true

	switch label {
	case OptionNewConsultation:
		c.records = nil
		c.step = 0
		c.summaryShown = false
		c.scheduleLocked(c.timings.Menu, func(ev *events) {
			c.awaitingReply = false
			c.appendPromptLocked(c.script.Prompt(0))
			c.setPhaseLocked(PhaseCollecting, ev)
		})
	case OptionEndSession:
		c.scheduleLocked(c.timings.Menu, func(ev *events) {
			c.awaitingReply = false
			c.appendBotLocked(ClosingText)
			c.setPhaseLocked(PhaseTerminated, ev)
		})
	default:
		c.scheduleLocked(c.timings.Menu, func(ev *events) {
			c.awaitingReply = false
			c.appendPromptLocked(HelpOfferText)
			c.setPhaseLocked(PhaseFreeform, ev)
		})
	}
	return nil
}

func (c *Controller) checkInputLocked() error {
	switch {
	case c.closed || c.phase == PhaseTerminated:
		return ErrTerminated
	case c.phase == PhaseInitializing:
		return ErrNotStarted
	case c.awaitingReply:
		return ErrAwaitingReply
	}
	return nil
}

func (c *Controller) replyLocked(step int, ev *events) {
	c.awaitingReply = false
	if !c.script.IsLast(step) {
		c.step = step + 1
		c.appendPromptLocked(c.script.Prompt(c.step))
		return
	}
	c.appendBotLocked(AcknowledgmentText)
	c.setPhaseLocked(PhaseSummarizing, ev)
	c.scheduleLocked(c.timings.Summary, c.summarizeLocked)
}

func (c *Controller) summarizeLocked(ev *events) {
	summary := Generate(c.records)
	c.transcript.Append(Message{
		Speaker: SpeakerBot,
		Content: summary.Markdown(),
		Summary: &summary,
	})
	c.summaryShown = true
	c.menu = append([]string(nil), MenuOptions...)
	c.transcript.Append(Message{
		Speaker: SpeakerBot,
		Content: MenuPromptText,
		Options: c.menu,
	})
	c.setPhaseLocked(PhaseMenu, ev)

	ev.summary = &summary
	ev.records = append([]SymptomRecord(nil), c.records...)
}

// scheduleLocked arms the single outstanding reply. A callback whose
// generation no longer matches was superseded by Close and does nothing.
func (c *Controller) scheduleLocked(d time.Duration, fn func(ev *events)) {
	c.gen++
	gen := c.gen
	c.pending = c.sched.AfterFunc(d, func() {
		c.mu.Lock()
		if c.closed || c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.pending = nil
		ev := &events{}
		fn(ev)
		c.mu.Unlock()

		c.fire(ev)
	})
}

func (c *Controller) setPhaseLocked(p Phase, ev *events) {
	if c.phase == p {
		return
	}
	ev.phases = append(ev.phases, [2]Phase{c.phase, p})
	c.phase = p
}

func (c *Controller) appendBotLocked(text string) {
	c.transcript.Append(Message{Speaker: SpeakerBot, Content: text})
}

func (c *Controller) appendPromptLocked(text string) {
	c.transcript.Append(Message{Speaker: SpeakerBot, Content: text, IsPrompt: true})
}

func (c *Controller) appendUserLocked(text string) {
	c.transcript.Append(Message{Speaker: SpeakerUser, Content: text})
}

func (c *Controller) fire(ev *events) {
	if ev.rejected != nil && c.hooks.OnRejected != nil {
		c.hooks.OnRejected(ev.rejected)
	}
	if c.hooks.OnPhase != nil {
		for _, p := range ev.phases {
			c.hooks.OnPhase(p[0], p[1])
		}
	}
	if ev.summary != nil && c.hooks.OnSummary != nil {
		c.hooks.OnSummary(*ev.summary, ev.records)
	}
}

// Close cancels any pending reply. The conversation accepts no further
// input afterwards. Safe to call more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.gen++
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
}

// Transcript exposes the read-only transcript.
func (c *Controller) Transcript() TranscriptReader {
	return c.transcript
}

// Script returns the script the controller runs.
func (c *Controller) Script() *Script {
	return c.script
}

// State returns a copy of the current state.
func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.script.Len()
	display := c.step + 1
	if display > n {
		display = n
	}
	return Snapshot{
		Phase:         c.phase,
		CurrentStep:   c.step,
		StepDisplay:   display,
		TotalSteps:    n,
		Records:       append([]SymptomRecord(nil), c.records...),
		AwaitingReply: c.awaitingReply,
		SummaryShown:  c.summaryShown,
		Input:         c.affordanceLocked(),
	}
}

func (c *Controller) affordanceLocked() Affordance {
	if c.closed || c.awaitingReply {
		return Affordance{Kind: AffordanceNone}
	}
	switch c.phase {
	case PhaseCollecting:
		return Affordance{Kind: AffordanceText}
	case PhaseMenu:
		return Affordance{Kind: AffordanceOptions, Options: append([]string(nil), c.menu...)}
	case PhaseFreeform:
		return Affordance{Kind: AffordanceText, Options: append([]string(nil), c.menu...)}
	default:
		return Affordance{Kind: AffordanceNone}
	}
}
