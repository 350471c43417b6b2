package earthengine

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
)

type exprKind int

const (
	kindConstant exprKind = iota
	kindInvocation
	kindArgRef
	kindFunction
	kindArray
	kindDict
)

// Expr is a node of an Earth Engine computation graph. Build graphs with
// Const, Invoke, ArgRef, Func, Array and Dict, then serialise with Encode.
type Expr struct {
	kind     exprKind
	constant any
	name     string
	args     map[string]*Expr
	argNames []string
	body     *Expr
	items    []*Expr
}

// Args are the named arguments of a function invocation.
type Args map[string]*Expr

// Const wraps a JSON-encodable value.
func Const(v any) *Expr {
	return &Expr{kind: kindConstant, constant: v}
}

// Invoke calls the named server-side algorithm.
func Invoke(fn string, args Args) *Expr {
	return &Expr{kind: kindInvocation, name: fn, args: args}
}

// ArgRef refers to an argument of the enclosing Func.
func ArgRef(name string) *Expr {
	return &Expr{kind: kindArgRef, name: name}
}

// Func defines a server-side function for algorithms such as Collection.map.
func Func(argNames []string, body *Expr) *Expr {
	return &Expr{kind: kindFunction, argNames: argNames, body: body}
}

// Array builds a list value.
func Array(items ...*Expr) *Expr {
	return &Expr{kind: kindArray, items: items}
}

// Dict builds a dictionary value.
func Dict(entries Args) *Expr {
	return &Expr{kind: kindDict, args: entries}
}

// Expression is the REST representation of a computation graph.
type Expression struct {
	Result string               `json:"result"`
	Values map[string]ValueNode `json:"values"`
}

// ValueNode is one entry of Expression.Values or an inline argument.
type ValueNode struct {
	ConstantValue           json.RawMessage          `json:"constantValue,omitempty"`
	ValueReference          string                   `json:"valueReference,omitempty"`
	ArgumentReference       string                   `json:"argumentReference,omitempty"`
	ArrayValue              *ArrayValue              `json:"arrayValue,omitempty"`
	DictionaryValue         *DictionaryValue         `json:"dictionaryValue,omitempty"`
	FunctionDefinitionValue *FunctionDefinitionValue `json:"functionDefinitionValue,omitempty"`
	FunctionInvocationValue *FunctionInvocationValue `json:"functionInvocationValue,omitempty"`
}

// ArrayValue is a list of nodes.
type ArrayValue struct {
	Values []ValueNode `json:"values"`
}

// DictionaryValue maps keys to nodes.
type DictionaryValue struct {
	Values map[string]ValueNode `json:"values"`
}

// FunctionDefinitionValue defines a function whose body is a Values entry.
type FunctionDefinitionValue struct {
	ArgumentNames []string `json:"argumentNames"`
	Body          string   `json:"body"`
}

// FunctionInvocationValue calls a server-side algorithm.
type FunctionInvocationValue struct {
	FunctionName string               `json:"functionName"`
	Arguments    map[string]ValueNode `json:"arguments,omitempty"`
}

// Encode flattens e into an Expression. Constants and argument references are
// inlined; every other node is stored once in Values and shared by reference.
func Encode(e *Expr) (*Expression, error) {
	enc := &encoder{
		values: make(map[string]ValueNode),
		seen:   make(map[string]string),
	}
	root, err := enc.encode(e)
	if err != nil {
		return nil, err
	}
	if root.ValueReference == "" {
		// A bare constant still needs a values entry to point at.
		root, err = enc.store(root)
		if err != nil {
			return nil, err
		}
	}
	return &Expression{Result: root.ValueReference, Values: enc.values}, nil
}

type encoder struct {
	values map[string]ValueNode
	seen   map[string]string
}

func (enc *encoder) encode(e *Expr) (ValueNode, error) {
	if e == nil {
		return ValueNode{ConstantValue: json.RawMessage("null")}, nil
	}
	switch e.kind {
	case kindConstant:
		raw, err := json.Marshal(e.constant)
		if err != nil {
			return ValueNode{}, fmt.Errorf("encode constant: %w", err)
		}
		return ValueNode{ConstantValue: raw}, nil

	case kindArgRef:
		return ValueNode{ArgumentReference: e.name}, nil

	case kindInvocation:
		args, err := enc.encodeMap(e.args)
		if err != nil {
			return ValueNode{}, fmt.Errorf("%s: %w", e.name, err)
		}
		return enc.store(ValueNode{FunctionInvocationValue: &FunctionInvocationValue{
			FunctionName: e.name,
			Arguments:    args,
		}})

	case kindFunction:
		body, err := enc.encode(e.body)
		if err != nil {
			return ValueNode{}, err
		}
		if body.ValueReference == "" {
			if body, err = enc.store(body); err != nil {
				return ValueNode{}, err
			}
		}
		return enc.store(ValueNode{FunctionDefinitionValue: &FunctionDefinitionValue{
			ArgumentNames: e.argNames,
			Body:          body.ValueReference,
		}})

	case kindArray:
		items := make([]ValueNode, 0, len(e.items))
		for i, item := range e.items {
			n, err := enc.encode(item)
			if err != nil {
				return ValueNode{}, fmt.Errorf("array[%d]: %w", i, err)
			}
			items = append(items, n)
		}
		return enc.store(ValueNode{ArrayValue: &ArrayValue{Values: items}})

	case kindDict:
		entries, err := enc.encodeMap(e.args)
		if err != nil {
			return ValueNode{}, err
		}
		if entries == nil {
			entries = map[string]ValueNode{}
		}
		return enc.store(ValueNode{DictionaryValue: &DictionaryValue{Values: entries}})
	}
	return ValueNode{}, fmt.Errorf("unknown expression kind %d", e.kind)
}

func (enc *encoder) encodeMap(m map[string]*Expr) (map[string]ValueNode, error) {
	if len(m) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]ValueNode, len(m))
	for _, k := range keys {
		n, err := enc.encode(m[k])
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

// store adds n to the values table unless an identical node is already there.
func (enc *encoder) store(n ValueNode) (ValueNode, error) {
	key, err := json.Marshal(n)
	if err != nil {
		return ValueNode{}, fmt.Errorf("encode node: %w", err)
	}
	if id, ok := enc.seen[string(key)]; ok {
		return ValueNode{ValueReference: id}, nil
	}
	id := strconv.Itoa(len(enc.values))
	enc.values[id] = n
	enc.seen[string(key)] = id
	return ValueNode{ValueReference: id}, nil
}
