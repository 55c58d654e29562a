// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package containerctl

import (
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// ExecRuntime drives the container runtime through its CLI. The default
// binary is docker; anything with pause/unpause/stop verbs works.
type ExecRuntime struct {
	Binary string
}

var _ Runtime = (*ExecRuntime)(nil)

// NewExecRuntime returns a CLI-backed runtime.
func NewExecRuntime(binary string) *ExecRuntime {
	if binary == "" {
		binary = "docker"
	}
	return &ExecRuntime{Binary: binary}
}

// Cmd runs the pause or stop command for the container.
func (r *ExecRuntime) Cmd(ctx context.Context, kind CmdKind, containerID string) error {
	if containerID == "" {
		return errors.New("no container id")
	}

	var verb string
	switch kind {
	case CmdPause:
		verb = "pause"
	case CmdStop:
		verb = "stop"
	default:
		return errors.Errorf("unsupported container command %d", kind)
	}

	out, err := exec.CommandContext(ctx, r.Binary, verb, containerID).CombinedOutput()
	if err != nil {
		return errors.Errorf("%s %s failed: %v: %s", r.Binary, verb, err, strings.TrimSpace(string(out)))
	}
	return nil
}
