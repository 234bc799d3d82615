// Package schema 校验智能体的输入输出是否符合声明的结构。
//
// 智能体在目录中以 Schema 声明其输入与输出，校验时渲染为 JSON Schema
// (draft-07) 并交由 gojsonschema 执行。校验是纯函数：相同输入总是得到相同的
// 违规列表，且从不返回错误，格式错误的数据同样以违规形式报告。
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// 基础类型名称，与 JSON Schema 保持一致。
const (
	TypeObject  = "object"
	TypeArray   = "array"
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeNull    = "null"
)

// RuleMalformed 表示数据本身不是合法 JSON，或 schema 无法编译。
const RuleMalformed = "malformed"

// Schema 是智能体输入输出的结构声明。
type Schema struct {
	Type                 string             `json:"type,omitempty" yaml:"type,omitempty"`
	Description          string             `json:"description,omitempty" yaml:"description,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required             []string           `json:"required,omitempty" yaml:"required,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty" yaml:"additionalProperties,omitempty"`
	Items                *Schema            `json:"items,omitempty" yaml:"items,omitempty"`
	MinItems             *int               `json:"minItems,omitempty" yaml:"minItems,omitempty"`
	MaxItems             *int               `json:"maxItems,omitempty" yaml:"maxItems,omitempty"`
	MinLength            *int               `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength            *int               `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Pattern              string             `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Minimum              *float64           `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum              *float64           `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	Enum                 []any              `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// Violation 描述一条违规。Field 为点分路径，根节点为空字符串。
type Violation struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return fmt.Sprintf("%s: %s", v.Rule, v.Message)
	}
	return fmt.Sprintf("%s: %s: %s", v.Field, v.Rule, v.Message)
}

// Result 为一次校验的结果，Violations 为空即合法。
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

// Valid 判断是否没有违规。
func (r Result) Valid() bool { return len(r.Violations) == 0 }

// Error 将违规拼接为单行描述。
func (r Result) Error() string {
	parts := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		parts = append(parts, v.String())
	}
	return strings.Join(parts, "; ")
}

// Document 渲染为 JSON Schema 文档。
func (s *Schema) Document() ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("schema 为空")
	}
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("序列化 schema 失败: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("序列化 schema 失败: %w", err)
	}
	doc["$schema"] = "http://json-schema.org/draft-07/schema#"
	return json.Marshal(doc)
}

// Compiled 是预编译的 schema，可被并发复用。
type Compiled struct {
	schema *gojsonschema.Schema
}

// Compile 预编译 schema，常用于加载目录时提前发现错误。
func Compile(s *Schema) (*Compiled, error) {
	doc, err := s.Document()
	if err != nil {
		return nil, err
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("编译 schema 失败: %w", err)
	}
	return &Compiled{schema: compiled}, nil
}

// Validate 校验 value 是否符合 s。
func Validate(value json.RawMessage, s *Schema) Result {
	compiled, err := Compile(s)
	if err != nil {
		return malformed("", err.Error())
	}
	return compiled.Check(value)
}

// Check 使用预编译的 schema 校验 value。
func (c *Compiled) Check(value json.RawMessage) Result {
	if c == nil || c.schema == nil {
		return malformed("", "schema 未编译")
	}
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 {
		return malformed("", "数据为空")
	}
	if !json.Valid(trimmed) {
		return malformed("", "数据不是合法的 JSON")
	}

	res, err := c.schema.Validate(gojsonschema.NewBytesLoader(trimmed))
	if err != nil {
		return malformed("", err.Error())
	}
	if res.Valid() {
		return Result{}
	}

	violations := make([]Violation, 0, len(res.Errors()))
	for _, re := range res.Errors() {
		violations = append(violations, toViolation(re))
	}
	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Field != violations[j].Field {
			return violations[i].Field < violations[j].Field
		}
		return violations[i].Rule < violations[j].Rule
	})
	return Result{Violations: violations}
}

func toViolation(re gojsonschema.ResultError) Violation {
	field := fieldPath(re.Context())
	// required 类错误定位在父节点，补上缺失的属性名。
	if re.Type() == "required" {
		if prop, ok := re.Details()["property"].(string); ok && prop != "" {
			if field == "" {
				field = prop
			} else {
				field = field + "." + prop
			}
		}
	}
	return Violation{Field: field, Rule: re.Type(), Message: re.Description()}
}

func fieldPath(ctx *gojsonschema.JsonContext) string {
	if ctx == nil {
		return ""
	}
	path := strings.TrimPrefix(ctx.String(), "(root)")
	return strings.TrimPrefix(path, ".")
}

func malformed(field, message string) Result {
	return Result{Violations: []Violation{{Field: field, Rule: RuleMalformed, Message: message}}}
}

// Int 返回 n 的指针，便于声明 MinLength 等约束。
func Int(n int) *int { return &n }

// Float 返回 f 的指针。
func Float(f float64) *float64 { return &f }

// Bool 返回 b 的指针。
func Bool(b bool) *bool { return &b }
