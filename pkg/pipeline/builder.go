package pipeline

import (
	"context"
	"fmt"
)

// BuildParams carries everything the builder needs to assemble one session's
// pipeline.
type BuildParams struct {
	RoomURL            string
	Token              string
	SessionID          string
	PersonalityMessage string
	Voice              string
	Transport          Transport
	LLM                LLM
	Publish            Publisher
}

// BuildResult is what the orchestrator wires handlers onto.
type BuildResult struct {
	Task               *Task
	Transport          Transport
	Context            *Context
	PersonalityMessage string
	Voice              string
}

// Builder assembles a pipeline. Substituted in tests.
type Builder func(ctx context.Context, params BuildParams) (*BuildResult, error)

// DefaultBuilder seeds the LLM context with the personality message and
// constructs the cooperative task around the supplied transport and LLM.
func DefaultBuilder(ctx context.Context, params BuildParams) (*BuildResult, error) {
	if params.Transport == nil {
		return nil, fmt.Errorf("pipeline: transport is required")
	}

	var seed []Message
	if params.PersonalityMessage != "" {
		seed = append(seed, Message{Role: "system", Content: params.PersonalityMessage})
	}
	llmCtx := NewContext(seed...)

	task := NewTask(llmCtx, params.LLM, params.Publish)
	return &BuildResult{
		Task:               task,
		Transport:          params.Transport,
		Context:            llmCtx,
		PersonalityMessage: params.PersonalityMessage,
		Voice:              params.Voice,
	}, nil
}
