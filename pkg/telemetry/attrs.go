package telemetry

import (
	"fmt"
	"maps"
	"sort"

	"go.opentelemetry.io/otel/attribute"
)

type SpanAttributes struct {
	Project   optional[string] // cifuzz.project
	Target    optional[string] // cifuzz.target
	Sanitizer optional[string] // cifuzz.sanitizer
	Verdict   optional[string] // cifuzz.triage.verdict

	extraAttributes map[string]any
}

func EmptySpanAttributes() *SpanAttributes {
	return &SpanAttributes{extraAttributes: make(map[string]any)}
}

// Merge copies values from other that are not already set on o.
func (o *SpanAttributes) Merge(other *SpanAttributes) {
	if other == nil {
		return
	}
	mergeOptional(&o.Project, &other.Project)
	mergeOptional(&o.Target, &other.Target)
	mergeOptional(&o.Sanitizer, &other.Sanitizer)
	mergeOptional(&o.Verdict, &other.Verdict)

	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	for k, v := range other.extraAttributes {
		if _, exists := o.extraAttributes[k]; !exists {
			o.extraAttributes[k] = v
		}
	}
}

func (o *SpanAttributes) WithProject(val string) *SpanAttributes {
	o.Project.Set(val)
	return o
}

func (o *SpanAttributes) WithTarget(val string) *SpanAttributes {
	o.Target.Set(val)
	return o
}

func (o *SpanAttributes) WithSanitizer(val string) *SpanAttributes {
	o.Sanitizer.Set(val)
	return o
}

func (o *SpanAttributes) WithVerdict(val string) *SpanAttributes {
	o.Verdict.Set(val)
	return o
}

func (o *SpanAttributes) WithExtraAttribute(key string, val any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	o.extraAttributes[key] = val
	return o
}

func (o *SpanAttributes) WithExtraAttributes(attrs map[string]any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	maps.Copy(o.extraAttributes, attrs)
	return o
}

func (o SpanAttributes) Attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if o.Project.set {
		attrs = append(attrs, attribute.String("cifuzz.project", o.Project.val))
	}
	if o.Target.set {
		attrs = append(attrs, attribute.String("cifuzz.target", o.Target.val))
	}
	if o.Sanitizer.set {
		attrs = append(attrs, attribute.String("cifuzz.sanitizer", o.Sanitizer.val))
	}
	if o.Verdict.set {
		attrs = append(attrs, attribute.String("cifuzz.triage.verdict", o.Verdict.val))
	}

	keys := make([]string, 0, len(o.extraAttributes))
	for k := range o.extraAttributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch val := o.extraAttributes[k].(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		case []string:
			attrs = append(attrs, attribute.StringSlice(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	return attrs
}

type EventAttributes []attribute.KeyValue

func NewEventAttributes(attributes map[string]string) EventAttributes {
	attrs := make(EventAttributes, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

type optional[T any] struct {
	val T
	set bool
}

func (o *optional[T]) Set(val T) { o.val = val; o.set = true }

func mergeOptional[T any](target, source *optional[T]) {
	if !target.set && source.set {
		target.val = source.val
		target.set = true
	}
}
