package dqp

import (
	"encoding/xml"
	"strconv"
	"strings"
)

// PlanProperty is a named property of a plan node. The value is either a list of strings or a child node.
type PlanProperty struct {
	Name   string    `msgpack:"name"`
	Values []string  `msgpack:"values,omitempty"`
	Node   *PlanNode `msgpack:"node,omitempty"`
}

// PlanNode is a node of a query plan description.
type PlanNode struct {
	Name       string         `msgpack:"name"`
	Properties []PlanProperty `msgpack:"properties,omitempty"`
}

// NewPlanNode returns a plan node named name.
func NewPlanNode(name string) *PlanNode { return &PlanNode{Name: name} }

// AddProperty adds a property with string values.
func (n *PlanNode) AddProperty(name string, values ...string) *PlanNode {
	n.Properties = append(n.Properties, PlanProperty{Name: name, Values: values})
	return n
}

// AddChild adds a property holding a child node.
func (n *PlanNode) AddChild(name string, child *PlanNode) *PlanNode {
	n.Properties = append(n.Properties, PlanProperty{Name: name, Node: child})
	return n
}

// Property returns the property named name or nil.
func (n *PlanNode) Property(name string) *PlanProperty {
	for i := range n.Properties {
		if n.Properties[i].Name == name {
			return &n.Properties[i]
		}
	}
	return nil
}

// Text returns the indented text representation of the plan.
func (n *PlanNode) Text() string {
	var sb strings.Builder
	n.writeText(&sb, 0)
	return sb.String()
}

func (n *PlanNode) writeText(sb *strings.Builder, level int) {
	indent := strings.Repeat("  ", level)
	sb.WriteString(indent)
	sb.WriteString(n.Name)
	sb.WriteByte('\n')
	for _, p := range n.Properties {
		sb.WriteString(indent)
		sb.WriteString("  + ")
		sb.WriteString(p.Name)
		sb.WriteByte(':')
		switch {
		case p.Node != nil:
			sb.WriteByte('\n')
			p.Node.writeText(sb, level+2)
		case len(p.Values) == 1:
			sb.WriteString(p.Values[0])
			sb.WriteByte('\n')
		default:
			sb.WriteByte('\n')
			for i, v := range p.Values {
				sb.WriteString(indent)
				sb.WriteString("    ")
				sb.WriteString(strconv.Itoa(i))
				sb.WriteString(": ")
				sb.WriteString(v)
				sb.WriteByte('\n')
			}
		}
	}
}

type xmlPlanNode struct {
	XMLName    xml.Name          `xml:"node"`
	Name       string            `xml:"name,attr"`
	Properties []xmlPlanProperty `xml:"property"`
}

type xmlPlanProperty struct {
	Name   string       `xml:"name,attr"`
	Values []string     `xml:"value"`
	Node   *xmlPlanNode `xml:"node"`
}

func (n *PlanNode) xmlNode() *xmlPlanNode {
	x := &xmlPlanNode{Name: n.Name, Properties: make([]xmlPlanProperty, len(n.Properties))}
	for i, p := range n.Properties {
		x.Properties[i] = xmlPlanProperty{Name: p.Name, Values: p.Values}
		if p.Node != nil {
			x.Properties[i].Node = p.Node.xmlNode()
		}
	}
	return x
}

// XML returns the xml document representation of the plan.
func (n *PlanNode) XML() (string, error) {
	b, err := xml.MarshalIndent(n.xmlNode(), "", "  ")
	if err != nil {
		return "", err
	}
	return xml.Header + string(b), nil
}

// Priority is the priority of a planner annotation.
type Priority int8

// Annotation priorities.
const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	default:
		return "Priority(" + strconv.Itoa(int(p)) + ")"
	}
}

// Annotation is a planner annotation (a decision or hint recorded while planning a query).
type Annotation struct {
	Category   string   `msgpack:"category"`
	Priority   Priority `msgpack:"priority"`
	Annotation string   `msgpack:"annotation"`
	Resolution string   `msgpack:"resolution,omitempty"`
}

func (a Annotation) String() string {
	s := a.Priority.String() + " " + a.Category + " " + a.Annotation
	if a.Resolution != "" {
		s += " - " + a.Resolution
	}
	return s
}
