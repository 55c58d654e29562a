// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package memdump

import (
	"os"

	"github.com/pkg/errors"

	"github.com/DataDog/secagent/pkg/security/model"
)

// ReadDumpFile decodes a capture job output file back into events.
func ReadDumpFile(path string) ([]*model.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read dump file `%s`", path)
	}

	var events []*model.Event
	for off := 0; off < len(data); {
		ev, n, err := DecodeEvent(data[off:])
		if err != nil {
			return events, errors.Wrapf(err, "corrupt dump file `%s` at offset %d", path, off)
		}
		events = append(events, ev)
		off += n
	}
	return events, nil
}
