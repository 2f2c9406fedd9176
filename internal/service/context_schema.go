package service

import (
	"fmt"

	"github.com/makereel/api/internal/apperr"
	"github.com/makereel/api/internal/model"
)

// fieldCheck is a named predicate over one payload field. Checks run
// only when the field is present; absence of a required field is
// reported separately.
type fieldCheck struct {
	field   string
	check   func(v interface{}) bool
	message string
}

// contextSchema is the validation contract for one context kind.
type contextSchema struct {
	required []string
	optional []string
	checks   []fieldCheck
}

func nonEmptyString(v interface{}) bool {
	s, ok := v.(string)
	return ok && s != ""
}

func nonEmptyList(v interface{}) bool {
	l, ok := v.([]interface{})
	return ok && len(l) > 0
}

func isObject(v interface{}) bool {
	_, ok := v.(map[string]interface{})
	return ok
}

func positiveNumber(v interface{}) bool {
	n, ok := v.(float64)
	return ok && n > 0
}

// contextSchemas covers the closed set of context kinds. Every kind a
// stage can produce has an entry here; unknown kinds are rejected
// before any field checks run.
var contextSchemas = map[model.ContextType]contextSchema{
	model.ContextTypeTopic: {
		required: []string{"mainTopic", "expandedTopics"},
		optional: []string{"videoStructure", "seoContext"},
		checks: []fieldCheck{
			{"mainTopic", nonEmptyString, "mainTopic must be a non-empty string"},
			{"expandedTopics", nonEmptyList, "expandedTopics must be a non-empty list"},
			{"videoStructure", isObject, "videoStructure must be an object"},
			{"seoContext", isObject, "seoContext must be an object"},
		},
	},
	model.ContextTypeScene: {
		required: []string{"projectId", "scenes"},
		optional: []string{"narrationScript", "totalDuration"},
		checks: []fieldCheck{
			{"projectId", nonEmptyString, "projectId must be a non-empty string"},
			{"scenes", nonEmptyList, "scenes must be a non-empty list"},
			{"narrationScript", nonEmptyString, "narrationScript must be a non-empty string"},
			{"totalDuration", positiveNumber, "totalDuration must be a positive number"},
		},
	},
	model.ContextTypeMedia: {
		required: []string{"projectId", "assets"},
		optional: []string{"audioTrack", "captions"},
		checks: []fieldCheck{
			{"projectId", nonEmptyString, "projectId must be a non-empty string"},
			{"assets", nonEmptyList, "assets must be a non-empty list"},
			{"audioTrack", nonEmptyString, "audioTrack must be a non-empty string"},
		},
	},
	model.ContextTypeAssembly: {
		required: []string{"projectId", "videoUrl"},
		optional: []string{"thumbnailUrl", "duration", "renderProfile"},
		checks: []fieldCheck{
			{"projectId", nonEmptyString, "projectId must be a non-empty string"},
			{"videoUrl", nonEmptyString, "videoUrl must be a non-empty string"},
			{"thumbnailUrl", nonEmptyString, "thumbnailUrl must be a non-empty string"},
			{"duration", positiveNumber, "duration must be a positive number"},
		},
	},
}

// ValidateContext checks data against the schema for contextType. All
// violations are collected; a nil return means the payload is valid.
func ValidateContext(contextType model.ContextType, data map[string]interface{}) *apperr.ValidationError {
	schema, ok := contextSchemas[contextType]
	if !ok {
		return &apperr.ValidationError{
			Errors: []string{fmt.Sprintf("unknown context type %q", contextType)},
		}
	}

	var errs []string
	for _, field := range schema.required {
		if _, present := data[field]; !present {
			errs = append(errs, fmt.Sprintf("missing required field %q", field))
		}
	}
	for _, fc := range schema.checks {
		v, present := data[fc.field]
		if !present {
			continue
		}
		if !fc.check(v) {
			errs = append(errs, fc.message)
		}
	}

	if len(errs) > 0 {
		return &apperr.ValidationError{Errors: errs}
	}
	return nil
}
