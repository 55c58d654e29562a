// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package memdump

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/DataDog/secagent/pkg/security/model"
)

// FilterFunc selects the events a capture job keeps.
type FilterFunc func(*model.Event) bool

// CompileFilter compiles a capture filter expression. The language is a
// conjunction of field comparisons over the well-known event fields:
//
//	container.id=abc and evt.type!=open
//
// The full condition language lives behind the rule engine port; capture
// filters only scope the dumped data.
func CompileFilter(expr string) (FilterFunc, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return func(*model.Event) bool { return true }, nil
	}

	type comparison struct {
		field  string
		value  string
		negate bool
	}

	var comparisons []comparison
	for _, term := range strings.Split(expr, " and ") {
		term = strings.TrimSpace(term)

		var cmp comparison
		switch {
		case strings.Contains(term, "!="):
			parts := strings.SplitN(term, "!=", 2)
			cmp = comparison{field: strings.TrimSpace(parts[0]), value: strings.TrimSpace(parts[1]), negate: true}
		case strings.Contains(term, "="):
			parts := strings.SplitN(term, "=", 2)
			cmp = comparison{field: strings.TrimSpace(parts[0]), value: strings.TrimSpace(parts[1])}
		default:
			return nil, errors.Errorf("invalid filter term `%s`", term)
		}

		if _, ok := (&model.Event{}).Field(cmp.field); !ok {
			return nil, errors.Errorf("unknown filter field `%s`", cmp.field)
		}
		comparisons = append(comparisons, cmp)
	}

	return func(ev *model.Event) bool {
		for _, cmp := range comparisons {
			value, _ := ev.Field(cmp.field)
			if (value == cmp.value) == cmp.negate {
				return false
			}
		}
		return true
	}, nil
}
