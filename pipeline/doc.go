// Package pipeline turns one inbound FLAC file into a delivered MP3.
//
// The Orchestrator runs a fixed sequence of steps for every request: admit the
// user, check the declared size, stage the input, transcode it under the
// shared gate, deliver the result and record it. Each run ends in exactly one
// terminal State. Front-ends supply the per-request Source, Sink and Progress
// collaborators through a Session and render the returned Outcome.
package pipeline
