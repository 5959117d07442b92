// Package rules 实现规则条件解释器, 规则引擎, 处置触发决策表与规则缓存
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// Kind 条件节点类型
type Kind int

const (
	KindInvalid Kind = iota // 结构非法, 求值恒为 false
	KindAll
	KindAny
	KindField
)

// Operator 字段条件操作符
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
	OpContains Operator = "contains"
)

// Valid 是否为已知操作符
func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIn, OpNotIn, OpContains:
		return true
	}
	return false
}

// maxDepth 条件树最大嵌套深度, 超出的子树视为非法
const maxDepth = 32

// ErrInvalidCondition 条件树无法解析
var ErrInvalidCondition = errors.New("invalid rule condition")

// Condition 条件树节点
//
//	{"all": [...]}                                   KindAll
//	{"any": [...]}                                   KindAny
//	{"field": "score", "operator": "gte", "value": 70} KindField
type Condition struct {
	Kind     Kind
	Children []*Condition
	Field    string
	Operator Operator
	Value    interface{}

	problem string // 非法节点的原因
}

// Compile 宽松解析, 不返回错误. 非法节点保留为 KindInvalid, 求值时按不匹配处理
func Compile(data []byte) *Condition {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return invalid("malformed json: " + err.Error())
	}
	return build(raw, 0)
}

// Parse 严格解析, 任一节点非法或操作符未知都返回错误
func Parse(data []byte) (*Condition, error) {
	cond := Compile(data)
	if err := cond.Validate(); err != nil {
		return nil, err
	}
	return cond, nil
}

// Validate 检查整棵树
func (c *Condition) Validate() error {
	switch c.Kind {
	case KindAll, KindAny:
		for _, child := range c.Children {
			if err := child.Validate(); err != nil {
				return err
			}
		}
		return nil
	case KindField:
		if !c.Operator.Valid() {
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, c.Operator)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidCondition, c.problem)
}

func invalid(problem string) *Condition {
	return &Condition{Kind: KindInvalid, problem: problem}
}

func build(raw interface{}, depth int) *Condition {
	if depth > maxDepth {
		return invalid("condition nested too deeply")
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return invalid(fmt.Sprintf("expected object, got %T", raw))
	}

	if children, ok := obj["all"].([]interface{}); ok {
		return &Condition{Kind: KindAll, Children: buildChildren(children, depth)}
	}
	if children, ok := obj["any"].([]interface{}); ok {
		return &Condition{Kind: KindAny, Children: buildChildren(children, depth)}
	}

	field, hasField := obj["field"].(string)
	operator, hasOp := obj["operator"].(string)
	if hasField && hasOp {
		return &Condition{
			Kind:     KindField,
			Field:    field,
			Operator: Operator(operator),
			Value:    obj["value"],
		}
	}
	return invalid("expected all, any or field/operator")
}

func buildChildren(raw []interface{}, depth int) []*Condition {
	children := make([]*Condition, 0, len(raw))
	for _, r := range raw {
		children = append(children, build(r, depth+1))
	}
	return children
}

// Evaluate 对上下文求值. 纯函数, 不会 panic
//
// all 为空时恒真, any 为空时恒假; 上下文中不存在的字段恒假, 值为 nil 的字段视为存在.
func (c *Condition) Evaluate(facts map[string]interface{}) bool {
	if c == nil {
		return false
	}
	switch c.Kind {
	case KindAll:
		for _, child := range c.Children {
			if !child.Evaluate(facts) {
				return false
			}
		}
		return true
	case KindAny:
		for _, child := range c.Children {
			if child.Evaluate(facts) {
				return true
			}
		}
		return false
	case KindField:
		actual, ok := facts[c.Field]
		if !ok {
			return false
		}
		return compare(c.Operator, actual, c.Value)
	}
	return false
}

// Evaluate 解析并求值
func Evaluate(data []byte, facts map[string]interface{}) bool {
	return Compile(data).Evaluate(facts)
}

func compare(op Operator, actual, expected interface{}) bool {
	switch op {
	case OpEq:
		return equal(actual, expected)
	case OpNeq:
		return !equal(actual, expected)
	case OpGt, OpGte, OpLt, OpLte:
		a, okA := toFloat(actual)
		b, okB := toFloat(expected)
		if !okA || !okB {
			return false
		}
		switch op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	case OpIn:
		list, ok := toList(expected)
		return ok && member(list, actual)
	case OpNotIn:
		list, ok := toList(expected)
		return ok && !member(list, actual)
	case OpContains:
		list, ok := toList(actual)
		return ok && member(list, expected)
	}
	return false
}

func member(list []interface{}, v interface{}) bool {
	for _, item := range list {
		if equal(item, v) {
			return true
		}
	}
	return false
}

// equal 数值按值比较, 其余按结构比较
func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if la, ok := toList(a); ok {
		lb, ok := toList(b)
		if !ok || len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !equal(la[i], lb[i]) {
				return false
			}
		}
		return true
	}
	if reflect.TypeOf(a).Comparable() && reflect.TypeOf(b).Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toList(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case []interface{}:
		return l, true
	case []string:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]interface{}, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out, true
	}
	return nil, false
}
