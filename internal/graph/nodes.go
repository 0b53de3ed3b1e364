package graph

import (
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Bounds enforced at load time.
const (
	MaxIntervalSeconds = 120
	MinAITokens        = 10
	MaxAITokens        = 4096
	MinAIMessages      = 1
	MaxAIMessages      = 50
	DefaultMenuRetries = 3
)

// Node is the closed set of flow node variants. Only types in this package implement it.
type Node interface {
	NodeID() string
	Type() models.NodeType
	isNode()
}

type base struct {
	ID string `json:"-"`
}

func (b base) NodeID() string { return b.ID }
func (base) isNode()          {}

// StartNode is the single entry point of a flow.
type StartNode struct {
	base
}

func (StartNode) Type() models.NodeType { return models.NodeTypeStart }

// MessageItem is one segment of a Message node.
type MessageItem struct {
	Type     models.MediaType `json:"type"`
	Text     string           `json:"text,omitempty"`
	URL      string           `json:"url,omitempty"`
	Caption  string           `json:"caption,omitempty"`
	FileName string           `json:"fileName,omitempty"`
}

// MessageNode sends its items and continues.
type MessageNode struct {
	base
	Items []MessageItem `json:"items"`
}

func (MessageNode) Type() models.NodeType { return models.NodeTypeMessage }

// MenuNode presents numbered options and waits for a selection.
type MenuNode struct {
	base
	Prompt     string   `json:"prompt"`
	Options    []string `json:"options"`
	MaxRetries int      `json:"maxRetries"`
	RetryText  string   `json:"retryText,omitempty"`
}

func (MenuNode) Type() models.NodeType { return models.NodeTypeMenu }

// Comparator is a Condition node operator.
type Comparator string

const (
	CmpEqual        Comparator = "=="
	CmpNotEqual     Comparator = "!="
	CmpGreater      Comparator = ">"
	CmpGreaterEqual Comparator = ">="
	CmpLess         Comparator = "<"
	CmpLessEqual    Comparator = "<="
	CmpContains     Comparator = "contains"
	CmpStartsWith   Comparator = "startsWith"
	CmpEmpty        Comparator = "empty"
	CmpNotEmpty     Comparator = "notEmpty"
)

// ConditionSource selects where a Condition node reads its field from.
type ConditionSource string

const (
	SourceBinding ConditionSource = "binding"
	SourcePayload ConditionSource = "payload"
)

// ConditionNode branches on a comparison.
type ConditionNode struct {
	base
	Field      string          `json:"field"`
	Source     ConditionSource `json:"source,omitempty"`
	Comparator Comparator      `json:"comparator"`
	Value      string          `json:"value,omitempty"`
}

func (ConditionNode) Type() models.NodeType { return models.NodeTypeCondition }

// IntervalNode pauses the session.
type IntervalNode struct {
	base
	Seconds int `json:"seconds"`
}

func (IntervalNode) Type() models.NodeType { return models.NodeTypeInterval }

// RandomizerNode picks one of its branches.
type RandomizerNode struct {
	base
	Branches int   `json:"branches"`
	Weights  []int `json:"weights,omitempty"`
}

func (RandomizerNode) Type() models.NodeType { return models.NodeTypeRandomizer }

// TicketRouteNode hands the contact to a queue or connection.
type TicketRouteNode struct {
	base
	QueueID      string `json:"queueId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Text         string `json:"text,omitempty"`
}

func (TicketRouteNode) Type() models.NodeType { return models.NodeTypeTicketRoute }

// QuestionNode asks for free text and binds the answer.
type QuestionNode struct {
	base
	Prompt   string `json:"prompt"`
	Variable string `json:"variable"`
}

func (QuestionNode) Type() models.NodeType { return models.NodeTypeQuestion }

// AICompletionNode asks the completion capability for a reply.
type AICompletionNode struct {
	base
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	MaxTokens    int      `json:"maxTokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxMessages  int      `json:"maxMessages,omitempty"`
	Voice        bool     `json:"voice,omitempty"`
	SaveAs       string   `json:"saveAs,omitempty"`
}

func (AICompletionNode) Type() models.NodeType { return models.NodeTypeAICompletion }

// Temp returns the configured temperature.
func (n AICompletionNode) Temp() float64 {
	if n.Temperature == nil {
		return 1
	}
	return *n.Temperature
}

var defaultTemperature = 1.0

// aiDefaults fills unset AI node settings.
var aiDefaults = AICompletionNode{
	Model:       "gpt-4o-mini",
	MaxTokens:   100,
	Temperature: &defaultTemperature,
	MaxMessages: 10,
}
