// Package graph holds the immutable flow graph model and its load-time validation.
package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Edge connects a source node port to a target node.
type Edge struct {
	Source string
	Port   string
	Target string
}

type portKey struct {
	node string
	port string
}

// Definition is a validated, immutable flow graph.
type Definition struct {
	id       string
	tenantID string
	name     string
	startID  string
	nodes    []Node
	index    map[string]Node
	edges    []Edge
	next     map[portKey]string
}

func (d *Definition) ID() string       { return d.id }
func (d *Definition) TenantID() string { return d.tenantID }
func (d *Definition) Name() string     { return d.name }

// Start returns the start node.
func (d *Definition) Start() Node { return d.index[d.startID] }

// Node returns the node with the given id.
func (d *Definition) Node(id string) (Node, bool) {
	n, ok := d.index[id]
	return n, ok
}

// Next returns the target of the edge leaving node id through port.
func (d *Definition) Next(id, port string) (string, bool) {
	t, ok := d.next[portKey{id, port}]
	return t, ok
}

// Nodes returns the nodes in document order.
func (d *Definition) Nodes() []Node {
	return append([]Node(nil), d.nodes...)
}

// Edges returns the edges sorted by source, port and target.
func (d *Definition) Edges() []Edge {
	return append([]Edge(nil), d.edges...)
}

// Equal reports structural equality of two definitions.
func (d *Definition) Equal(o *Definition) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.id == o.id && d.tenantID == o.tenantID && d.name == o.name && d.startID == o.startID &&
		reflect.DeepEqual(d.nodes, o.nodes) && reflect.DeepEqual(d.edges, o.edges)
}

// Load decodes and validates a flow document. It has no side effects and yields
// structurally equal definitions for identical input.
func Load(raw []byte) (*Definition, error) {
	var doc models.FlowDocument
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&doc); err != nil {
		return nil, &models.ValidationError{Reason: fmt.Sprintf("malformed flow document: %v", err)}
	}
	return FromDocument(doc)
}

// FromDocument validates an already decoded flow document.
func FromDocument(doc models.FlowDocument) (*Definition, error) {
	fail := func(nodeID, format string, args ...interface{}) error {
		return &models.ValidationError{FlowID: doc.ID, NodeID: nodeID, Reason: fmt.Sprintf(format, args...)}
	}
	if doc.ID == "" {
		return nil, fail("", "flow id is required")
	}
	if len(doc.Nodes) == 0 {
		return nil, fail("", "flow has no nodes")
	}

	d := &Definition{
		id:       doc.ID,
		tenantID: doc.TenantID,
		name:     doc.Name,
		index:    make(map[string]Node, len(doc.Nodes)),
		next:     make(map[portKey]string, len(doc.Edges)),
	}
	for _, nd := range doc.Nodes {
		if nd.ID == "" {
			return nil, fail("", "node without id")
		}
		if _, dup := d.index[nd.ID]; dup {
			return nil, fail(nd.ID, "duplicate node id")
		}
		n, err := decodeNode(nd)
		if err != nil {
			return nil, fail(nd.ID, "%v", err)
		}
		if n.Type() == models.NodeTypeStart {
			if d.startID != "" {
				return nil, fail(nd.ID, "more than one start node (first is %q)", d.startID)
			}
			d.startID = nd.ID
		}
		d.nodes = append(d.nodes, n)
		d.index[nd.ID] = n
	}
	if d.startID == "" {
		return nil, fail("", "flow has no start node")
	}

	for _, ed := range doc.Edges {
		e := Edge{Source: ed.Source, Port: normalizePort(ed.SourcePort), Target: ed.Target}
		src, ok := d.index[e.Source]
		if !ok {
			return nil, fail(e.Source, "edge from missing node")
		}
		if _, ok := d.index[e.Target]; !ok {
			return nil, fail(e.Source, "edge to missing node %q", e.Target)
		}
		if !portAllowed(src, e.Port) {
			return nil, fail(e.Source, "port %q is not valid for %s node", e.Port, src.Type())
		}
		k := portKey{e.Source, e.Port}
		if _, dup := d.next[k]; dup {
			return nil, fail(e.Source, "port %q has more than one edge", e.Port)
		}
		d.next[k] = e.Target
		d.edges = append(d.edges, e)
	}
	sort.Slice(d.edges, func(i, j int) bool {
		a, b := d.edges[i], d.edges[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Port != b.Port {
			return a.Port < b.Port
		}
		return a.Target < b.Target
	})

	for _, n := range d.nodes {
		if err := d.checkArity(n); err != nil {
			return nil, fail(n.NodeID(), "%v", err)
		}
	}
	if orphan := d.firstUnreachable(); orphan != "" {
		return nil, fail(orphan, "node is not reachable from start")
	}
	return d, nil
}

func normalizePort(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return models.PortNext
	}
	return p
}

func decodeNode(nd models.NodeDocument) (Node, error) {
	data := nd.Data
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	unmarshal := func(v interface{}) error {
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("invalid %s data: %w", nd.Type, err)
		}
		return nil
	}
	b := base{ID: nd.ID}

	switch nd.Type {
	case models.NodeTypeStart:
		return StartNode{base: b}, nil

	case models.NodeTypeMessage:
		n := MessageNode{base: b}
		if err := unmarshal(&n); err != nil {
			return nil, err
		}
		if len(n.Items) == 0 {
			return nil, fmt.Errorf("message node has no items")
		}
		for i := range n.Items {
			if n.Items[i].Type == "" {
				n.Items[i].Type = models.MediaText
			}
			p := models.Payload{Type: n.Items[i].Type, Text: n.Items[i].Text, URL: n.Items[i].URL}
			if err := p.Validate(); err != nil {
				return nil, fmt.Errorf("message item %d: %w", i, err)
			}
		}
		return n, nil

	case models.NodeTypeMenu:
		n := MenuNode{base: b}
		if err := unmarshal(&n); err != nil {
			return nil, err
		}
		if len(n.Options) == 0 {
			return nil, fmt.Errorf("menu node has no options")
		}
		if n.MaxRetries <= 0 {
			n.MaxRetries = DefaultMenuRetries
		}
		return n, nil

	case models.NodeTypeCondition:
		n := ConditionNode{base: b}
		if err := unmarshal(&n); err != nil {
			return nil, err
		}
		if n.Field == "" {
			return nil, fmt.Errorf("condition node requires a field")
		}
		if n.Source == "" {
			n.Source = SourceBinding
		}
		if n.Source != SourceBinding && n.Source != SourcePayload {
			return nil, fmt.Errorf("unknown condition source %q", n.Source)
		}
		if n.Comparator == "" {
			n.Comparator = CmpEqual
		}
		if !validComparator(n.Comparator) {
			return nil, fmt.Errorf("unknown comparator %q", n.Comparator)
		}
		return n, nil

	case models.NodeTypeInterval:
		n := IntervalNode{base: b}
		if err := unmarshal(&n); err != nil {
			return nil, err
		}
		if n.Seconds < 0 || n.Seconds > MaxIntervalSeconds {
			return nil, fmt.Errorf("interval of %d seconds is outside [0,%d]", n.Seconds, MaxIntervalSeconds)
		}
		return n, nil

	case models.NodeTypeRandomizer:
		n := RandomizerNode{base: b}
		if err := unmarshal(&n); err != nil {
			return nil, err
		}
		if n.Branches == 0 {
			n.Branches = len(n.Weights)
		}
		if n.Branches < 2 {
			return nil, fmt.Errorf("randomizer needs at least 2 branches")
		}
		if len(n.Weights) > 0 {
			if len(n.Weights) != n.Branches {
				return nil, fmt.Errorf("randomizer has %d weights for %d branches", len(n.Weights), n.Branches)
			}
			for i, w := range n.Weights {
				if w <= 0 {
					return nil, fmt.Errorf("randomizer weight %d must be positive", i+1)
				}
			}
		}
		return n, nil

	case models.NodeTypeTicketRoute:
		n := TicketRouteNode{base: b}
		if err := unmarshal(&n); err != nil {
			return nil, err
		}
		if n.QueueID == "" && n.ConnectionID == "" {
			return nil, fmt.Errorf("ticket route needs a queue or connection")
		}
		return n, nil

	case models.NodeTypeQuestion:
		n := QuestionNode{base: b}
		if err := unmarshal(&n); err != nil {
			return nil, err
		}
		if strings.TrimSpace(n.Variable) == "" {
			return nil, fmt.Errorf("question node requires a variable")
		}
		if strings.TrimSpace(n.Prompt) == "" {
			return nil, fmt.Errorf("question node requires a prompt")
		}
		return n, nil

	case models.NodeTypeAICompletion:
		n := AICompletionNode{base: b}
		if err := unmarshal(&n); err != nil {
			return nil, err
		}
		if err := mergo.Merge(&n, aiDefaults); err != nil {
			return nil, fmt.Errorf("apply ai defaults: %w", err)
		}
		if n.MaxTokens < MinAITokens || n.MaxTokens > MaxAITokens {
			return nil, fmt.Errorf("maxTokens %d is outside [%d,%d]", n.MaxTokens, MinAITokens, MaxAITokens)
		}
		if t := n.Temp(); t < 0 || t > 1 {
			return nil, fmt.Errorf("temperature %v is outside [0,1]", t)
		}
		if n.MaxMessages < MinAIMessages || n.MaxMessages > MaxAIMessages {
			return nil, fmt.Errorf("maxMessages %d is outside [%d,%d]", n.MaxMessages, MinAIMessages, MaxAIMessages)
		}
		return n, nil

	default:
		return nil, fmt.Errorf("unknown node type %q", nd.Type)
	}
}

func validComparator(c Comparator) bool {
	switch c {
	case CmpEqual, CmpNotEqual, CmpGreater, CmpGreaterEqual, CmpLess, CmpLessEqual,
		CmpContains, CmpStartsWith, CmpEmpty, CmpNotEmpty:
		return true
	}
	return false
}

// numberedPort reports whether port is an integer in [1,n].
func numberedPort(port string, n int) bool {
	i, err := strconv.Atoi(port)
	return err == nil && i >= 1 && i <= n && strconv.Itoa(i) == port
}

func portAllowed(n Node, port string) bool {
	switch v := n.(type) {
	case MenuNode:
		return port == models.PortDefault || numberedPort(port, len(v.Options))
	case ConditionNode:
		return port == models.PortTrue || port == models.PortFalse || port == models.PortDefault
	case RandomizerNode:
		return numberedPort(port, v.Branches)
	default:
		return port == models.PortNext
	}
}

func (d *Definition) checkArity(n Node) error {
	count := func(k int) int {
		c := 0
		for i := 1; i <= k; i++ {
			if _, ok := d.next[portKey{n.NodeID(), strconv.Itoa(i)}]; ok {
				c++
			}
		}
		return c
	}
	switch v := n.(type) {
	case MenuNode:
		if c := count(len(v.Options)); c != len(v.Options) {
			return fmt.Errorf("menu has %d options but %d option edges", len(v.Options), c)
		}
	case RandomizerNode:
		if c := count(v.Branches); c != v.Branches {
			return fmt.Errorf("randomizer has %d branches but %d branch edges", v.Branches, c)
		}
	case ConditionNode:
		if _, ok := d.next[portKey{v.ID, models.PortTrue}]; !ok {
			return fmt.Errorf("condition has no %q edge", models.PortTrue)
		}
	}
	return nil
}

func (d *Definition) firstUnreachable() string {
	adj := make(map[string][]string, len(d.nodes))
	for _, e := range d.edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	seen := map[string]bool{d.startID: true}
	stack := []string{d.startID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, t := range adj[cur] {
			if !seen[t] {
				seen[t] = true
				stack = append(stack, t)
			}
		}
	}
	for _, n := range d.nodes {
		if !seen[n.NodeID()] {
			return n.NodeID()
		}
	}
	return ""
}
