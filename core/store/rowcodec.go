package store

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// EncodeRow serializes a row as a protobuf Struct. Integers are carried as
// doubles and byte slices as base64 strings; callers that need the original
// Go types convert on the way back out.
func EncodeRow(row map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(row)
	if err != nil {
		return nil, fmt.Errorf("failed to convert row: %w", err)
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal row: %w", err)
	}
	return b, nil
}

// DecodeRow is the inverse of EncodeRow.
func DecodeRow(b []byte) (map[string]any, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal row: %w", err)
	}
	return s.AsMap(), nil
}
