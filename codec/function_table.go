package codec

import (
	"fmt"
	"sort"
)

// CancelByte is the ETX control byte the firmware treats as "abort the running experiment".
const CancelByte byte = 0x03

// Function is one experiment the device firmware knows, keyed by a single ASCII code.
type Function struct {
	Name        string `yaml:"name"`
	Code        string `yaml:"code"`
	Description string `yaml:"description"`
	// Frames is how many JSON objects the device prints for this code. 0 means 1.
	Frames int `yaml:"frames"`
}

// FunctionTable is the immutable name → code mapping of a device.
type FunctionTable struct {
	byName map[string]Function
	order  []string
}

// NewFunctionTable validates fns and builds a table. Codes must be a single printable
// ASCII byte other than ETX, and both names and codes must be unique.
func NewFunctionTable(fns []Function) (*FunctionTable, error) {
	t := &FunctionTable{byName: make(map[string]Function, len(fns))}
	codes := make(map[byte]string, len(fns))

	for _, fn := range fns {
		if fn.Name == "" {
			return nil, fmt.Errorf("function table: empty name")
		}
		if len(fn.Code) != 1 {
			return nil, fmt.Errorf("function table: %s: code %q must be a single byte", fn.Name, fn.Code)
		}
		c := fn.Code[0]
		if c < 0x20 || c > 0x7e {
			return nil, fmt.Errorf("function table: %s: code %q is not printable ASCII", fn.Name, fn.Code)
		}
		if _, dup := t.byName[fn.Name]; dup {
			return nil, fmt.Errorf("function table: duplicate name %s", fn.Name)
		}
		if other, dup := codes[c]; dup {
			return nil, fmt.Errorf("function table: %s and %s share code %q", other, fn.Name, fn.Code)
		}
		if fn.Frames < 0 {
			return nil, fmt.Errorf("function table: %s: negative frame count", fn.Name)
		}
		if fn.Frames == 0 {
			fn.Frames = 1
		}
		if fn.Description == "" {
			fn.Description = "Command: " + fn.Code
		}

		codes[c] = fn.Name
		t.byName[fn.Name] = fn
		t.order = append(t.order, fn.Name)
	}
	return t, nil
}

// DefaultFunctions is the firmware table of the memory-lab MCU.
func DefaultFunctions() []Function {
	return []Function{
		{Name: "memory_stratification", Code: "1", Description: "Memory hierarchy stratification. Command: 1"},
		{Name: "list_vs_array", Code: "2", Description: "Linked list vs array traversal. Command: 2"},
		{Name: "prefetch", Code: "3", Description: "Hardware prefetch behaviour. Command: 3"},
		{Name: "memory_read_optimization", Code: "4", Description: "Memory read optimization. Command: 4"},
		{Name: "cache_conflicts", Code: "5", Description: "Cache set conflicts. Command: 5"},
		{Name: "sorting_algorithms", Code: "6", Description: "Sorting algorithm comparison. Command: 6"},
		{Name: "all", Code: "a", Frames: 6, Description: "All experiments in sequence. Command: a"},
	}
}

// DefaultFunctionTable returns the table built from DefaultFunctions.
func DefaultFunctionTable() *FunctionTable {
	t, err := NewFunctionTable(DefaultFunctions())
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the function called name.
func (t *FunctionTable) Lookup(name string) (Function, bool) {
	fn, ok := t.byName[name]
	return fn, ok
}

// Functions returns the entries in declaration order.
func (t *FunctionTable) Functions() []Function {
	out := make([]Function, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.byName[name])
	}
	return out
}

// Names returns the function names sorted alphabetically.
func (t *FunctionTable) Names() []string {
	names := append([]string(nil), t.order...)
	sort.Strings(names)
	return names
}

// Len returns the number of entries.
func (t *FunctionTable) Len() int {
	return len(t.order)
}
