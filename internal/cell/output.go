package cell

import (
	"fmt"
	"sort"
	"strings"
)

// OutputType discriminates the Output union.
type OutputType string

const (
	OutputStream        OutputType = "stream"
	OutputExecuteResult OutputType = "execute_result"
	OutputDisplayData   OutputType = "display_data"
	OutputError         OutputType = "error"
)

// Stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Output is one execution result fragment. Exactly the fields for its Type
// are meaningful: Name/Text for stream, Data for execute_result and
// display_data, Ename/Evalue/Traceback for error.
type Output struct {
	Type      OutputType
	Name      string
	Text      string
	Data      map[string]any
	Ename     string
	Evalue    string
	Traceback []string
}

func (o Output) clone() Output {
	cp := o
	if o.Data != nil {
		cp.Data = cloneMap(o.Data)
	}
	if o.Traceback != nil {
		cp.Traceback = append([]string(nil), o.Traceback...)
	}
	return cp
}

// Normalize fills in missing fields of a raw incoming output so downstream
// code never sees a half-formed entry. Outputs with no recognizable type are
// inferred from their populated fields.
func Normalize(o Output) Output {
	if o.Type == "" {
		switch {
		case o.Ename != "" || o.Evalue != "":
			o.Type = OutputError
		case o.Data != nil:
			o.Type = OutputDisplayData
		default:
			o.Type = OutputStream
		}
	}
	switch o.Type {
	case OutputStream:
		if o.Name != StreamStdout && o.Name != StreamStderr {
			o.Name = StreamStdout
		}
	case OutputExecuteResult, OutputDisplayData:
		if o.Data == nil {
			o.Data = map[string]any{}
		}
	case OutputError:
		if o.Traceback == nil {
			o.Traceback = []string{}
		}
	}
	return o
}

// Merge is the output reducer: it normalizes in and folds it into outputs.
// Consecutive stream outputs with the same name concatenate in place;
// anything else appends. Interleaved stdout/stderr therefore stay distinct
// adjacent entries in arrival order.
func Merge(outputs []Output, in Output) []Output {
	in = Normalize(in)
	if n := len(outputs); n > 0 && in.Type == OutputStream {
		last := &outputs[n-1]
		if last.Type == OutputStream && last.Name == in.Name {
			last.Text += in.Text
			return outputs
		}
	}
	return append(outputs, in)
}

// Summary renders a compact, order-preserving digest of an output list for
// content fingerprinting. It covers the fields a user can observe: stream
// text, rich-data mime keys, and error identity.
func Summary(outputs []Output) string {
	var b strings.Builder
	for i, o := range outputs {
		if i > 0 {
			b.WriteByte('|')
		}
		switch o.Type {
		case OutputStream:
			fmt.Fprintf(&b, "stream:%s:%s", o.Name, o.Text)
		case OutputExecuteResult, OutputDisplayData:
			keys := make([]string, 0, len(o.Data))
			for k := range o.Data {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Fprintf(&b, "%s:%s", o.Type, strings.Join(keys, ","))
			for _, k := range keys {
				fmt.Fprintf(&b, ":%v", o.Data[k])
			}
		case OutputError:
			fmt.Fprintf(&b, "error:%s:%s", o.Ename, o.Evalue)
		}
	}
	return b.String()
}
