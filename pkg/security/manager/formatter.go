// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package manager

import (
	"strings"

	"github.com/DataDog/secagent/pkg/security/model"
)

// outputFields are the tokens a rule output template may reference, longest
// first so %evt.type is not shadowed by a shorter prefix.
var outputFields = []string{
	"container.id",
	"evt.args",
	"evt.type",
	"proc.pid",
	"proc.tid",
}

// formatOutput renders a rule format template against the event: every
// %field token is replaced with the event's value.
func formatOutput(template string, ev *model.Event) string {
	if template == "" || !strings.Contains(template, "%") {
		return template
	}

	out := template
	for _, field := range outputFields {
		token := "%" + field
		if !strings.Contains(out, token) {
			continue
		}
		if value, ok := ev.Field(field); ok {
			out = strings.ReplaceAll(out, token, value)
		}
	}
	return out
}
