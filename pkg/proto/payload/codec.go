// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package payload

import (
	"fmt"

	proto "github.com/gogo/protobuf/proto"
	"google.golang.org/grpc/encoding"
)

// gogoCodec replaces the default grpc proto codec so the hand-maintained
// gogo message types of this package marshal through grpc.
type gogoCodec struct{}

// Name returns the registered codec name. Registering under "proto"
// overrides the grpc default for all messages of this process.
func (gogoCodec) Name() string { return "proto" }

func (gogoCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("cannot marshal %T: not a proto message", v)
	}
	return proto.Marshal(m)
}

func (gogoCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("cannot unmarshal into %T: not a proto message", v)
	}
	return proto.Unmarshal(data, m)
}

func init() {
	encoding.RegisterCodec(gogoCodec{})
}
