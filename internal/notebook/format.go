package notebook

import (
	"encoding/json"
	"fmt"

	"github.com/starford/laguz/internal/cell"
)

// Canonical file format version.
const (
	formatMajor = 4
	formatMinor = 5
)

// multiline is on-disk text: stored as a list of line fragments with
// trailing newlines preserved, tolerated as a plain string on read.
type multiline string

func (m multiline) MarshalJSON() ([]byte, error) {
	return json.Marshal(cell.SplitLines(string(m)))
}

func (m *multiline) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = multiline(s)
		return nil
	}
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	*m = multiline(cell.JoinLines(parts))
	return nil
}

type fileNotebook struct {
	Cells         []fileCell     `json:"cells"`
	Metadata      map[string]any `json:"metadata"`
	NBFormat      int            `json:"nbformat"`
	NBFormatMinor int            `json:"nbformat_minor"`
}

type fileCell struct {
	ID             string         `json:"id,omitempty"`
	CellType       string         `json:"cell_type"`
	Metadata       map[string]any `json:"metadata"`
	Source         multiline      `json:"source"`
	ExecutionCount *int           `json:"execution_count,omitempty"`
	Outputs        []fileOutput   `json:"outputs,omitempty"`
}

// MarshalJSON writes the per-type field sets: code cells always carry
// execution_count (null until run) and outputs (possibly empty), other
// types never do.
func (c fileCell) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"id":        c.ID,
		"cell_type": c.CellType,
		"metadata":  c.Metadata,
		"source":    c.Source,
	}
	if c.CellType == string(cell.TypeCode) {
		m["execution_count"] = c.ExecutionCount
		outputs := c.Outputs
		if outputs == nil {
			outputs = []fileOutput{}
		}
		m["outputs"] = outputs
	}
	return json.Marshal(m)
}

type fileOutput struct {
	OutputType     string         `json:"output_type"`
	Name           string         `json:"name,omitempty"`
	Text           multiline      `json:"text,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ExecutionCount *int           `json:"execution_count,omitempty"`
	Ename          string         `json:"ename,omitempty"`
	Evalue         string         `json:"evalue,omitempty"`
	Traceback      []string       `json:"traceback,omitempty"`
}

// Encode serializes cells and metadata to the canonical file shape.
func Encode(cells []*cell.Cell, metadata map[string]any) ([]byte, error) {
	nb := fileNotebook{
		Cells:         make([]fileCell, len(cells)),
		Metadata:      metadata,
		NBFormat:      formatMajor,
		NBFormatMinor: formatMinor,
	}
	if nb.Metadata == nil {
		nb.Metadata = map[string]any{}
	}
	for i, c := range cells {
		nb.Cells[i] = cellToFile(c)
	}
	data, err := json.MarshalIndent(nb, "", " ")
	if err != nil {
		return nil, fmt.Errorf("notebook: encode: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses canonical file bytes into cells and metadata. Unknown cell
// types degrade to raw; missing ids are replaced.
func Decode(data []byte) ([]*cell.Cell, map[string]any, error) {
	var nb fileNotebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, nil, fmt.Errorf("notebook: parse: %w", err)
	}
	if nb.NBFormat != 0 && nb.NBFormat != formatMajor {
		return nil, nil, fmt.Errorf("notebook: unsupported format version %d", nb.NBFormat)
	}

	cells := make([]*cell.Cell, len(nb.Cells))
	for i, fc := range nb.Cells {
		cells[i] = fileToCell(fc)
	}
	metadata := nb.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return cells, metadata, nil
}

func cellToFile(c *cell.Cell) fileCell {
	fc := fileCell{
		ID:       c.ID,
		CellType: string(c.Type),
		Metadata: c.Metadata,
		Source:   multiline(c.Source),
	}
	if fc.Metadata == nil {
		fc.Metadata = map[string]any{}
	}
	if c.Type != cell.TypeCode {
		return fc
	}
	if c.ExecutionCount > 0 {
		n := c.ExecutionCount
		fc.ExecutionCount = &n
	}
	fc.Outputs = make([]fileOutput, len(c.Outputs))
	for i, o := range c.Outputs {
		fc.Outputs[i] = outputToFile(o, fc.ExecutionCount)
	}
	return fc
}

func outputToFile(o cell.Output, count *int) fileOutput {
	switch o.Type {
	case cell.OutputStream:
		return fileOutput{
			OutputType: string(o.Type),
			Name:       o.Name,
			Text:       multiline(o.Text),
		}
	case cell.OutputExecuteResult:
		return fileOutput{
			OutputType:     string(o.Type),
			Data:           o.Data,
			Metadata:       map[string]any{},
			ExecutionCount: count,
		}
	case cell.OutputDisplayData:
		return fileOutput{
			OutputType: string(o.Type),
			Data:       o.Data,
			Metadata:   map[string]any{},
		}
	default:
		tb := o.Traceback
		if tb == nil {
			tb = []string{}
		}
		return fileOutput{
			OutputType: string(cell.OutputError),
			Ename:      o.Ename,
			Evalue:     o.Evalue,
			Traceback:  tb,
		}
	}
}

func fileToCell(fc fileCell) *cell.Cell {
	t := cell.Type(fc.CellType)
	if !t.Valid() {
		t = cell.TypeRaw
	}
	c := cell.New(t)
	if fc.ID != "" {
		c.ID = fc.ID
	}
	c.Source = string(fc.Source)
	if fc.Metadata != nil {
		c.Metadata = fc.Metadata
	}
	if t != cell.TypeCode {
		return c
	}
	if fc.ExecutionCount != nil && *fc.ExecutionCount > 0 {
		c.ExecutionCount = *fc.ExecutionCount
	}
	for _, fo := range fc.Outputs {
		ot := cell.OutputType(fo.OutputType)
		switch ot {
		case cell.OutputStream, cell.OutputExecuteResult, cell.OutputDisplayData, cell.OutputError:
		default:
			// Let normalization infer the type from the populated fields.
			ot = ""
		}
		c.Outputs = append(c.Outputs, cell.Normalize(cell.Output{
			Type:      ot,
			Name:      fo.Name,
			Text:      string(fo.Text),
			Data:      fo.Data,
			Ename:     fo.Ename,
			Evalue:    fo.Evalue,
			Traceback: fo.Traceback,
		}))
	}
	return c
}
