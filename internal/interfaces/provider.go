package interfaces

import (
	"context"
)

// GenerateRequest is a provider-agnostic generation request
type GenerateRequest struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float32
}

// Stream yields text chunks from a provider. Usage follows the scanner idiom:
//
//	for stream.Next() {
//	    handle(stream.Chunk())
//	}
//	if err := stream.Err(); err != nil { ... }
//
// Err is non-nil when the stream terminated on a provider failure; chunks
// already delivered remain valid and must be retained by the caller.
type Stream interface {
	Next() bool
	Chunk() string
	Err() error
	Close()
}

// Provider is a uniform interface to a text-generation backend. Generate
// performs no local mutation beyond the network call; every invocation is
// independent.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *GenerateRequest) (Stream, error)
}
