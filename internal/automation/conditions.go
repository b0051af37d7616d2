package automation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
)

// Matches reports whether every condition holds against evalCtx. A rule
// without conditions always matches.
//
// Fields may address nested maps with dots ("video.duration"). A missing
// field satisfies only not_equals.
func Matches(conditions []pipeline.Condition, evalCtx map[string]any) bool {
	for _, cond := range conditions {
		if !holds(cond, evalCtx) {
			return false
		}
	}
	return true
}

func holds(cond pipeline.Condition, evalCtx map[string]any) bool {
	value, ok := lookup(evalCtx, cond.Field)
	if !ok {
		return cond.Operator == pipeline.OpNotEquals
	}
	switch cond.Operator {
	case pipeline.OpEquals:
		return stringify(value) == cond.Value
	case pipeline.OpNotEquals:
		return stringify(value) != cond.Value
	case pipeline.OpContains:
		return strings.Contains(stringify(value), cond.Value)
	case pipeline.OpGreaterThan, pipeline.OpLessThan:
		actual, ok := toFloat64(value)
		if !ok {
			return false
		}
		want, err := cond.Number()
		if err != nil {
			return false
		}
		if cond.Operator == pipeline.OpGreaterThan {
			return actual > want
		}
		return actual < want
	}
	return false
}

func lookup(evalCtx map[string]any, field string) (any, bool) {
	field = strings.TrimSpace(field)
	if value, ok := evalCtx[field]; ok {
		return value, true
	}
	parts := strings.Split(field, ".")
	if len(parts) < 2 {
		return nil, false
	}
	var current any = evalCtx
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case json.Number:
		return v.String()
	case []string:
		return strings.Join(v, ",")
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func toFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}
