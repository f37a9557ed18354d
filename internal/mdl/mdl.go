// Package mdl models the semantic layer document (MDL): models, columns,
// relationships, calculated fields and metrics over an underlying database.
package mdl

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Document is one deployed MDL, addressed by its content hash.
type Document struct {
	Catalog       string         `json:"catalog"`
	Schema        string         `json:"schema"`
	Models        []Model        `json:"models"`
	Relationships []Relationship `json:"relationships,omitempty"`
	Metrics       []Metric       `json:"metrics,omitempty"`
	Views         []View         `json:"views,omitempty"`
}

// Model is one table of the semantic layer.
type Model struct {
	Name       string            `json:"name"`
	Columns    []Column          `json:"columns"`
	PrimaryKey string            `json:"primaryKey,omitempty"`
	RefSQL     string            `json:"refSql,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Column of a model. Calculated columns carry an expression instead of a
// physical binding.
type Column struct {
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	IsCalculated bool              `json:"isCalculated,omitempty"`
	Expression   string            `json:"expression,omitempty"`
	NotNull      bool              `json:"notNull,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
}

// Relationship joins two models.
type Relationship struct {
	Name      string   `json:"name"`
	Models    []string `json:"models"`
	JoinType  string   `json:"joinType"`
	Condition string   `json:"condition"`
}

// Metric is a pre-aggregated measure over a base model.
type Metric struct {
	Name      string   `json:"name"`
	BaseModel string   `json:"baseObject"`
	Dimension []Column `json:"dimension,omitempty"`
	Measure   []Column `json:"measure,omitempty"`
}

// View is a saved question/SQL pair published from a prior answer.
type View struct {
	Name       string            `json:"name"`
	Statement  string            `json:"statement"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Parse decodes an MDL JSON document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse mdl: %w", err)
	}
	return &doc, nil
}

// DDL renders one model as a CREATE TABLE statement with column comments,
// the form the generation prompts consume.
func (m Model) DDL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", m.Name)
	for i, c := range m.Columns {
		fmt.Fprintf(&b, "  %s %s", c.Name, c.Type)
		if c.NotNull {
			b.WriteString(" NOT NULL")
		}
		if c.IsCalculated {
			fmt.Fprintf(&b, " -- calculated: %s", c.Expression)
		} else if desc := c.Properties["description"]; desc != "" {
			fmt.Fprintf(&b, " -- %s", desc)
		}
		if i < len(m.Columns)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")")
	if m.PrimaryKey != "" {
		fmt.Fprintf(&b, " -- primary key: %s", m.PrimaryKey)
	}
	return b.String()
}

// HasCalculatedField reports whether any column is calculated.
func (m Model) HasCalculatedField() bool {
	for _, c := range m.Columns {
		if c.IsCalculated {
			return true
		}
	}
	return false
}
