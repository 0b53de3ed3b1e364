package flow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/dispatch"
	"github.com/BTreeMap/FlowPipe/internal/graph"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// Capability names used in CapabilityError.
const (
	CapabilityAssignToQueue = "AssignToQueue"
	CapabilityCompletion    = "CompletionRequest"
)

// DefaultAITimeout bounds a single completion request.
const DefaultAITimeout = 30 * time.Second

var (
	errNoAssigner      = errors.New("no queue assignment capability configured")
	errNoCompleter     = errors.New("no completion capability configured")
	errEmptyCompletion = errors.New("completion returned no text")
)

// Assigner hands a contact over to a ticket queue or connection.
type Assigner interface {
	AssignToQueue(ctx context.Context, tenantID, contactID, queueID, connectionID string) error
}

// Completer produces AI replies.
type Completer interface {
	Complete(ctx context.Context, req models.CompletionRequest) (string, error)
}

// Resume tells an executor why a node is being executed.
type Resume int

const (
	// ResumeNone enters the node fresh.
	ResumeNone Resume = iota
	// ResumeReply re-enters a node suspended on a reply, carrying the reply.
	ResumeReply
	// ResumeTimer re-enters a node suspended on a timer.
	ResumeTimer
)

// Input is what a node sees besides the session.
type Input struct {
	Resume Resume
	// Event is the inbound message that started the turn, if any. It stays visible to
	// every node of the turn so payload conditions can read it.
	Event *models.InboundPayload
	Now   time.Time
}

// ExecutorOpts configures an Executor.
type ExecutorOpts struct {
	Assigner    Assigner
	Completer   Completer
	Rand        *util.Source
	RetryPolicy dispatch.Policy
	AITimeout   time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*ExecutorOpts)

// WithAssigner sets the queue assignment capability.
func WithAssigner(a Assigner) ExecutorOption {
	return func(o *ExecutorOpts) { o.Assigner = a }
}

// WithCompleter sets the AI completion capability.
func WithCompleter(c Completer) ExecutorOption {
	return func(o *ExecutorOpts) { o.Completer = c }
}

// WithRand sets the random source used by randomizer nodes.
func WithRand(src *util.Source) ExecutorOption {
	return func(o *ExecutorOpts) { o.Rand = src }
}

// WithAssignRetry sets the backoff policy for queue assignment.
func WithAssignRetry(p dispatch.Policy) ExecutorOption {
	return func(o *ExecutorOpts) { o.RetryPolicy = p }
}

// WithAITimeout bounds completion requests.
func WithAITimeout(d time.Duration) ExecutorOption {
	return func(o *ExecutorOpts) { o.AITimeout = d }
}

// Executor runs single nodes. It never mutates the session; the interpreter applies
// the returned StepResult.
type Executor struct {
	opts ExecutorOpts
}

// NewExecutor creates an executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	cfg := ExecutorOpts{RetryPolicy: dispatch.DefaultPolicy(), AITimeout: DefaultAITimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Rand == nil {
		cfg.Rand = util.NewRandomSource()
	}
	return &Executor{opts: cfg}
}

// Execute runs node for sess. It is the only place node types are distinguished.
func (e *Executor) Execute(ctx context.Context, def *graph.Definition, node graph.Node, sess *models.Session, in Input) StepResult {
	switch n := node.(type) {
	case graph.StartNode:
		return follow(def, n.ID, models.PortNext, nil)
	case graph.MessageNode:
		return e.message(def, n, sess)
	case graph.MenuNode:
		return e.menu(def, n, sess, in)
	case graph.ConditionNode:
		return e.condition(def, n, sess, in)
	case graph.IntervalNode:
		return e.interval(def, n, sess, in)
	case graph.RandomizerNode:
		return e.randomizer(def, n)
	case graph.TicketRouteNode:
		return e.ticketRoute(ctx, def, n, sess)
	case graph.QuestionNode:
		return e.question(def, n, sess, in)
	case graph.AICompletionNode:
		return e.aiCompletion(ctx, def, n, sess)
	default:
		return Terminate(models.SessionAborted, &models.FlowRuntimeError{
			SessionID: sess.ID, NodeID: node.NodeID(), Reason: fmt.Sprintf("unsupported node type %q", node.Type()),
		})
	}
}

// follow advances through port, or completes the session when the port has no edge.
func follow(def *graph.Definition, id, port string, bindings map[string]string) StepResult {
	next, ok := def.Next(id, port)
	if !ok {
		r := Complete()
		r.Bindings = bindings
		return r
	}
	return Advance(next, bindings)
}

func templateVars(sess *models.Session) map[string]string {
	vars := make(map[string]string, len(sess.Variables)+1)
	vars["number"] = sess.ContactID
	for k, v := range sess.Variables {
		vars[k] = v
	}
	return vars
}

func text(s string) models.Payload {
	return models.Payload{Type: models.MediaText, Text: s}
}

func (e *Executor) message(def *graph.Definition, n graph.MessageNode, sess *models.Session) StepResult {
	vars := templateVars(sess)
	actions := make([]models.Payload, 0, len(n.Items))
	for _, item := range n.Items {
		actions = append(actions, models.Payload{
			Type:     item.Type,
			Text:     util.Interpolate(item.Text, vars),
			URL:      item.URL,
			Caption:  util.Interpolate(item.Caption, vars),
			FileName: item.FileName,
		})
	}
	return follow(def, n.ID, models.PortNext, nil).with(actions...)
}

func renderMenu(n graph.MenuNode, vars map[string]string) string {
	var b strings.Builder
	if n.Prompt != "" {
		b.WriteString(util.Interpolate(n.Prompt, vars))
		b.WriteString("\n")
	}
	for i, opt := range n.Options {
		fmt.Fprintf(&b, "\n%d - %s", i+1, util.Interpolate(opt, vars))
	}
	return strings.TrimSpace(b.String())
}

func (e *Executor) menu(def *graph.Definition, n graph.MenuNode, sess *models.Session, in Input) StepResult {
	vars := templateVars(sess)
	if in.Resume != ResumeReply || in.Event == nil {
		return SuspendReply(0).with(text(renderMenu(n, vars)))
	}

	choice := strings.TrimSpace(in.Event.Body)
	if i, err := strconv.Atoi(choice); err == nil && i >= 1 && i <= len(n.Options) && strconv.Itoa(i) == choice {
		if next, ok := def.Next(n.ID, choice); ok {
			return Advance(next, nil)
		}
	}

	if sess.RetryCount < n.MaxRetries {
		var actions []models.Payload
		if n.RetryText != "" {
			actions = append(actions, text(util.Interpolate(n.RetryText, vars)))
		}
		actions = append(actions, text(renderMenu(n, vars)))
		return SuspendReply(sess.RetryCount + 1).with(actions...)
	}
	if next, ok := def.Next(n.ID, models.PortDefault); ok {
		return Advance(next, nil)
	}
	// Retries exhausted without a default edge: keep waiting silently.
	return SuspendReply(sess.RetryCount)
}

func (e *Executor) condition(def *graph.Definition, n graph.ConditionNode, sess *models.Session, in Input) StepResult {
	var left string
	switch n.Source {
	case graph.SourcePayload:
		if in.Event != nil {
			left, _ = in.Event.Field(n.Field)
		}
	default:
		left = sess.Variables[n.Field]
	}

	if compare(n.Comparator, left, n.Value) {
		return follow(def, n.ID, models.PortTrue, nil)
	}
	if next, ok := def.Next(n.ID, models.PortFalse); ok {
		return Advance(next, nil)
	}
	if next, ok := def.Next(n.ID, models.PortDefault); ok {
		return Advance(next, nil)
	}
	return Terminate(models.SessionAborted, &models.FlowRuntimeError{
		SessionID: sess.ID, NodeID: n.ID,
		Reason: fmt.Sprintf("condition %s %s %q did not match and no default edge exists", n.Field, n.Comparator, n.Value),
	})
}

// compare evaluates left <cmp> right. Ordering comparisons are numeric when both sides
// parse as numbers and lexical otherwise; equality ignores case.
func compare(cmp graph.Comparator, left, right string) bool {
	l, r := strings.TrimSpace(left), strings.TrimSpace(right)
	switch cmp {
	case graph.CmpEmpty:
		return l == ""
	case graph.CmpNotEmpty:
		return l != ""
	case graph.CmpContains:
		return strings.Contains(strings.ToLower(l), strings.ToLower(r))
	case graph.CmpStartsWith:
		return strings.HasPrefix(strings.ToLower(l), strings.ToLower(r))
	}

	lf, lerr := strconv.ParseFloat(l, 64)
	rf, rerr := strconv.ParseFloat(r, 64)
	numeric := lerr == nil && rerr == nil
	order := 0
	if numeric {
		switch {
		case lf < rf:
			order = -1
		case lf > rf:
			order = 1
		}
	} else {
		order = strings.Compare(strings.ToLower(l), strings.ToLower(r))
	}

	switch cmp {
	case graph.CmpEqual:
		return order == 0
	case graph.CmpNotEqual:
		return order != 0
	case graph.CmpGreater:
		return order > 0
	case graph.CmpGreaterEqual:
		return order >= 0
	case graph.CmpLess:
		return order < 0
	case graph.CmpLessEqual:
		return order <= 0
	default:
		return false
	}
}

func (e *Executor) interval(def *graph.Definition, n graph.IntervalNode, sess *models.Session, in Input) StepResult {
	if in.Resume == ResumeTimer {
		if sess.WakeAt != nil && in.Now.Before(*sess.WakeAt) {
			return SuspendTimer(*sess.WakeAt)
		}
		return follow(def, n.ID, models.PortNext, nil)
	}
	if n.Seconds == 0 {
		return follow(def, n.ID, models.PortNext, nil)
	}
	return SuspendTimer(in.Now.Add(time.Duration(n.Seconds) * time.Second))
}

func (e *Executor) randomizer(def *graph.Definition, n graph.RandomizerNode) StepResult {
	if len(n.Weights) == 0 {
		return follow(def, n.ID, strconv.Itoa(1+e.opts.Rand.IntN(n.Branches)), nil)
	}
	total := 0
	for _, w := range n.Weights {
		total += w
	}
	branch := len(n.Weights)
	r := e.opts.Rand.IntN(total)
	for i, w := range n.Weights {
		if r < w {
			branch = i + 1
			break
		}
		r -= w
	}
	return follow(def, n.ID, strconv.Itoa(branch), nil)
}

func (e *Executor) ticketRoute(ctx context.Context, def *graph.Definition, n graph.TicketRouteNode, sess *models.Session) StepResult {
	var actions []models.Payload
	if n.Text != "" {
		actions = append(actions, text(util.Interpolate(n.Text, templateVars(sess))))
	}
	if e.opts.Assigner == nil {
		return Terminate(models.SessionAborted, &models.CapabilityError{
			Capability: CapabilityAssignToQueue, NodeID: n.ID, Err: errNoAssigner,
		}).with(actions...)
	}

	_, err := dispatch.Retry(ctx, e.opts.RetryPolicy, func(ctx context.Context, attempt int) error {
		return e.opts.Assigner.AssignToQueue(ctx, sess.TenantID, sess.ContactID, n.QueueID, n.ConnectionID)
	})
	if err != nil {
		return Terminate(models.SessionAborted, &models.CapabilityError{
			Capability: CapabilityAssignToQueue, NodeID: n.ID, Err: err,
		}).with(actions...)
	}
	return follow(def, n.ID, models.PortNext, nil).with(actions...)
}

func (e *Executor) question(def *graph.Definition, n graph.QuestionNode, sess *models.Session, in Input) StepResult {
	if in.Resume != ResumeReply || in.Event == nil {
		r := SuspendReply(0)
		if n.Prompt != "" {
			r = r.with(text(util.Interpolate(n.Prompt, templateVars(sess))))
		}
		return r
	}
	return follow(def, n.ID, models.PortNext, map[string]string{n.Variable: in.Event.Body})
}

func (e *Executor) aiCompletion(ctx context.Context, def *graph.Definition, n graph.AICompletionNode, sess *models.Session) StepResult {
	if e.opts.Completer == nil {
		return Terminate(models.SessionAborted, &models.CapabilityError{
			Capability: CapabilityCompletion, NodeID: n.ID, Err: errNoCompleter,
		})
	}
	history := sess.History
	if len(history) > n.MaxMessages {
		history = history[len(history)-n.MaxMessages:]
	}
	req := models.CompletionRequest{
		Model:        n.Model,
		SystemPrompt: util.Interpolate(n.SystemPrompt, templateVars(sess)),
		History:      history,
		MaxTokens:    n.MaxTokens,
		Temperature:  n.Temp(),
	}

	cctx, cancel := context.WithTimeout(ctx, e.opts.AITimeout)
	defer cancel()
	reply, err := e.opts.Completer.Complete(cctx, req)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errEmptyCompletion
	}
	if err != nil {
		return Terminate(models.SessionAborted, &models.CapabilityError{
			Capability: CapabilityCompletion, NodeID: n.ID, Err: err,
		})
	}

	var bindings map[string]string
	if n.SaveAs != "" {
		bindings = map[string]string{n.SaveAs: reply}
	}
	out := models.Payload{Type: models.MediaText, Text: reply, Voice: n.Voice}
	return follow(def, n.ID, models.PortNext, bindings).with(out)
}
