// ABOUTME: Package doc for the voice package
// ABOUTME: Speech orchestration: recognition in, sequential synthesized playback out

/*
Package voice coordinates speech recognition input with sequential
speech-synthesis playback for a conversation surface.

The Orchestrator is a small state machine over idle, listening,
processing, and speaking. Recognized utterances are handed to the
conversation send path; bot replies come back as text that is split into
sentence-like chunks, synthesized one at a time, and played strictly
sequentially with a short pause between chunks. Playback of the first
chunk starts as soon as its clip is ready.

Echo prevention is the non-negotiable part: recognition never runs while
audio is playing, and after the last chunk finishes the microphone is
only re-armed once a fixed cooldown has passed, so the orchestrator does
not hear its own voice. Leaving voice mode cancels playback, releases
every queued clip, and suppresses the cooldown restart.

The recognition, synthesis, and playback boundaries are interfaces;
concrete HTTP-backed implementations for synthesis and remote clip
fetching live in this package, playback is supplied by the caller.
*/
package voice
